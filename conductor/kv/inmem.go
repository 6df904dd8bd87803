// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package kv

import (
	"context"
	"sync"
	"time"
)

// InmemStore is a process-local Store used in dev mode and tests. TTLs are
// enforced lazily: an expired entry is treated as absent the next time its
// key is touched.
type InmemStore struct {
	mu      sync.Mutex
	entries map[string]inmemEntry

	// nowFn is the clock, swappable by tests to force expiry.
	nowFn func() time.Time
}

type inmemEntry struct {
	value    string
	deadline time.Time
}

func NewInmemStore() *InmemStore {
	return &InmemStore{
		entries: make(map[string]inmemEntry),
		nowFn:   time.Now,
	}
}

func (s *InmemStore) AcquireCreate(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.live(key); held {
		return false, nil
	}
	s.entries[key] = inmemEntry{value: value, deadline: s.nowFn().Add(ttl)}
	return true, nil
}

func (s *InmemStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = inmemEntry{value: value, deadline: s.nowFn().Add(ttl)}
	return nil
}

func (s *InmemStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *InmemStore) CompareDelete(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *InmemStore) Ping(context.Context) error { return nil }

// live returns the entry for key after expiring it if its TTL lapsed.
// Callers hold the mutex.
func (s *InmemStore) live(key string) (inmemEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return inmemEntry{}, false
	}
	if s.nowFn().After(e.deadline) {
		delete(s.entries, key)
		return inmemEntry{}, false
	}
	return e, true
}
