// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/conductor/ci"
	"github.com/shoenig/test/must"
)

func TestInmemStore_AcquireCreate(t *testing.T) {
	ci.Parallel(t)

	s := NewInmemStore()
	ctx := context.Background()

	ok, err := s.AcquireCreate(ctx, "locks/apps/dev-o-r-main", "token-1", time.Minute)
	must.NoError(t, err)
	must.True(t, ok)

	// Second acquire loses while the first holder lives.
	ok, err = s.AcquireCreate(ctx, "locks/apps/dev-o-r-main", "token-2", time.Minute)
	must.NoError(t, err)
	must.False(t, ok)

	v, found, err := s.Get(ctx, "locks/apps/dev-o-r-main")
	must.NoError(t, err)
	must.True(t, found)
	must.Eq(t, "token-1", v)
}

func TestInmemStore_TTLExpiry(t *testing.T) {
	ci.Parallel(t)

	s := NewInmemStore()
	ctx := context.Background()

	now := time.Now()
	s.nowFn = func() time.Time { return now }

	ok, err := s.AcquireCreate(ctx, "k", "v", 10*time.Second)
	must.NoError(t, err)
	must.True(t, ok)

	// Advance past the deadline; the key vanishes and can be re-acquired.
	now = now.Add(11 * time.Second)

	_, found, err := s.Get(ctx, "k")
	must.NoError(t, err)
	must.False(t, found)

	ok, err = s.AcquireCreate(ctx, "k", "v2", 10*time.Second)
	must.NoError(t, err)
	must.True(t, ok)
}

func TestInmemStore_CompareDelete(t *testing.T) {
	ci.Parallel(t)

	s := NewInmemStore()
	ctx := context.Background()

	must.NoError(t, s.Put(ctx, "k", "token-1", time.Minute))

	// Wrong token: refused, key intact.
	ok, err := s.CompareDelete(ctx, "k", "token-2")
	must.NoError(t, err)
	must.False(t, ok)

	ok, err = s.CompareDelete(ctx, "k", "token-1")
	must.NoError(t, err)
	must.True(t, ok)

	// Gone now.
	ok, err = s.CompareDelete(ctx, "k", "token-1")
	must.NoError(t, err)
	must.False(t, ok)
}

func TestInmemStore_PutReplaces(t *testing.T) {
	ci.Parallel(t)

	s := NewInmemStore()
	ctx := context.Background()

	must.NoError(t, s.Put(ctx, "frozen", "true", time.Minute))
	must.NoError(t, s.Put(ctx, "frozen", "false", time.Minute))

	v, found, err := s.Get(ctx, "frozen")
	must.NoError(t, err)
	must.True(t, found)
	must.Eq(t, "false", v)
}
