// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package kv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"
)

// ConsulStore implements Store on Consul's KV. TTLs ride on sessions with
// delete behavior: every write acquires the key under a fresh session whose
// TTL matches the requested one, so an expired or destroyed session takes
// the key with it. This is the same recipe Consul's own lock helpers use.
type ConsulStore struct {
	kv      *api.KV
	session *api.Session
	status  *api.Status
	logger  hclog.Logger

	// sessions tracks the session we created per key so releases can
	// destroy them instead of letting them idle out.
	mu       sync.Mutex
	sessions map[string]string
}

func NewConsulStore(client *api.Client, logger hclog.Logger) *ConsulStore {
	return &ConsulStore{
		kv:       client.KV(),
		session:  client.Session(),
		status:   client.Status(),
		logger:   logger.Named("consul_kv"),
		sessions: make(map[string]string),
	}
}

func (s *ConsulStore) AcquireCreate(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	sid, err := s.createSession(ctx, key, ttl)
	if err != nil {
		return false, err
	}

	pair := &api.KVPair{Key: key, Value: []byte(value), Session: sid}
	ok, _, err := s.kv.Acquire(pair, s.writeOpts(ctx))
	if err != nil || !ok {
		s.destroySession(ctx, sid)
		if err != nil {
			return false, fmt.Errorf("acquiring %q: %w", key, err)
		}
		return false, nil
	}

	s.mu.Lock()
	s.sessions[key] = sid
	s.mu.Unlock()
	return true, nil
}

func (s *ConsulStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	// Evict the current holder first; destroying its session deletes the
	// key, so the acquire below starts clean. Writers for one key are
	// serialized by the application lock above us.
	pair, _, err := s.kv.Get(key, s.queryOpts(ctx))
	if err != nil {
		return fmt.Errorf("reading %q: %w", key, err)
	}
	if pair != nil && pair.Session != "" {
		s.destroySession(ctx, pair.Session)
	}

	ok, err := s.AcquireCreate(ctx, key, value, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("writing %q: lost acquire race", key)
	}
	return nil
}

func (s *ConsulStore) Get(ctx context.Context, key string) (string, bool, error) {
	pair, _, err := s.kv.Get(key, s.queryOpts(ctx))
	if err != nil {
		return "", false, fmt.Errorf("reading %q: %w", key, err)
	}
	if pair == nil {
		return "", false, nil
	}
	return string(pair.Value), true, nil
}

func (s *ConsulStore) CompareDelete(ctx context.Context, key, value string) (bool, error) {
	pair, _, err := s.kv.Get(key, s.queryOpts(ctx))
	if err != nil {
		return false, fmt.Errorf("reading %q: %w", key, err)
	}
	if pair == nil || string(pair.Value) != value {
		return false, nil
	}

	ok, _, err := s.kv.DeleteCAS(&api.KVPair{Key: key, ModifyIndex: pair.ModifyIndex}, s.writeOpts(ctx))
	if err != nil {
		return false, fmt.Errorf("deleting %q: %w", key, err)
	}
	if ok && pair.Session != "" {
		s.destroySession(ctx, pair.Session)
	}
	return ok, nil
}

func (s *ConsulStore) Ping(ctx context.Context) error {
	leader, err := s.status.LeaderWithQueryOptions(s.queryOpts(ctx))
	if err != nil {
		return fmt.Errorf("consul status: %w", err)
	}
	if leader == "" {
		return fmt.Errorf("consul has no leader")
	}
	return nil
}

func (s *ConsulStore) createSession(ctx context.Context, key string, ttl time.Duration) (string, error) {
	// Consul clamps session TTLs to [10s, 24h]; stay inside the floor so
	// short test TTLs do not error out.
	if ttl < 10*time.Second {
		ttl = 10 * time.Second
	}
	entry := &api.SessionEntry{
		Name:      "conductor/" + key,
		TTL:       ttl.String(),
		Behavior:  api.SessionBehaviorDelete,
		LockDelay: time.Millisecond,
	}
	sid, _, err := s.session.CreateNoChecks(entry, s.writeOpts(ctx))
	if err != nil {
		return "", fmt.Errorf("creating session for %q: %w", key, err)
	}
	return sid, nil
}

func (s *ConsulStore) destroySession(ctx context.Context, sid string) {
	if _, err := s.session.Destroy(sid, s.writeOpts(ctx)); err != nil {
		s.logger.Warn("failed to destroy session", "session", sid, "error", err)
	}
	s.mu.Lock()
	for key, held := range s.sessions {
		if held == sid {
			delete(s.sessions, key)
		}
	}
	s.mu.Unlock()
}

func (s *ConsulStore) queryOpts(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{}).WithContext(ctx)
}

func (s *ConsulStore) writeOpts(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}
