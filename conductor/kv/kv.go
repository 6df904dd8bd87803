// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package kv abstracts the small slice of a key-value store the
// orchestrator needs: TTL-bounded writes, atomic create-if-absent and
// compare-and-delete. Locks and freeze flags live here so mutual exclusion
// is delegated to the store rather than reimplemented in-process.
package kv

import (
	"context"
	"time"
)

// Store is the contract the lock service and freeze registry run against.
// Every write carries a TTL; when it lapses the key disappears on its own.
type Store interface {
	// AcquireCreate atomically creates key holding value if and only if no
	// live writer holds it. Returns false without error when the key is
	// already held.
	AcquireCreate(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Put writes key unconditionally, replacing any current holder.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the current value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// CompareDelete removes key only while it still holds value. Returns
	// false when the key is gone or holds something else.
	CompareDelete(ctx context.Context, key, value string) (bool, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
