// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/conductor/conductor/kv"
	"github.com/hashicorp/conductor/conductor/structs"
)

// LockService hands out per-application mutual exclusion backed by the KV
// store. A lock is one key created if absent with a fresh owner token and a
// TTL; only the token holder can release it, and the TTL reclaims locks
// from dead holders.
type LockService struct {
	logger hclog.Logger
	store  kv.Store
	base   string
	env    string
	ttl    time.Duration
}

func NewLockService(logger hclog.Logger, store kv.Store, config *Config) *LockService {
	return &LockService{
		logger: logger.Named("lock"),
		store:  store,
		base:   config.KVBase,
		env:    config.Environment,
		ttl:    config.LockTTL,
	}
}

// Key returns the lock key for an application.
func (l *LockService) Key(git *structs.GitInfo) string {
	return fmt.Sprintf("%s/locks/apps/%s", l.base, git.AppKey(l.env))
}

// Acquire attempts to take the application lock, returning the owner token
// on success. A held lock surfaces as a recoverable LOCKED error so the
// pipeline's retry budget applies; store trouble is recoverable too.
func (l *LockService) Acquire(ctx context.Context, git *structs.GitInfo) (string, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("lock token generation failed: %w", err)
	}

	key := l.Key(git)
	ok, err := l.store.AcquireCreate(ctx, key, token, l.ttl)
	if err != nil {
		return "", structs.WrapRecoverable(fmt.Errorf("lock store unavailable: %w", err))
	}
	if !ok {
		return "", structs.NewLockedError(git.AppKey(l.env))
	}

	l.logger.Debug("acquired lock", "key", key)
	return token, nil
}

// Release gives the lock back if the token still owns it. Reports whether
// anything was released: false means the TTL already reclaimed the lock or
// another owner took over, neither of which the caller can act on.
func (l *LockService) Release(ctx context.Context, git *structs.GitInfo, token string) bool {
	key := l.Key(git)
	ok, err := l.store.CompareDelete(ctx, key, token)
	if err != nil {
		l.logger.Warn("lock release failed, waiting out the TTL", "key", key, "error", err)
		return false
	}
	if !ok {
		l.logger.Debug("lock already gone at release", "key", key)
		return false
	}
	l.logger.Debug("released lock", "key", key)
	return true
}
