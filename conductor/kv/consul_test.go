// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package kv

import (
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/hashicorp/conductor/ci"
	"github.com/hashicorp/conductor/helper/testlog"
	"github.com/hashicorp/consul/api"
	ctestutil "github.com/hashicorp/consul/sdk/testutil"
	"github.com/shoenig/test/must"
)

// testConsulStore spins up an embedded Consul agent. Tests are skipped when
// the consul binary is not installed.
func testConsulStore(t *testing.T) *ConsulStore {
	t.Helper()

	ci.SkipSlow(t, "spins up a real Consul agent")
	if _, err := exec.LookPath("consul"); err != nil {
		t.Skip("consul binary not found, skipping")
	}

	testconsul, err := ctestutil.NewTestServerConfigT(t, func(c *ctestutil.TestServerConfig) {
		if !testing.Verbose() {
			c.Stdout = io.Discard
			c.Stderr = io.Discard
		}
	})
	must.NoError(t, err)
	t.Cleanup(func() { testconsul.Stop() })

	conf := api.DefaultConfig()
	conf.Address = testconsul.HTTPAddr
	client, err := api.NewClient(conf)
	must.NoError(t, err)

	return NewConsulStore(client, testlog.HCLogger(t))
}

func TestConsulStore_AcquireCreate(t *testing.T) {
	s := testConsulStore(t)
	ctx := context.Background()

	ok, err := s.AcquireCreate(ctx, "conductor/locks/apps/dev-o-r-main", "token-1", 15*time.Second)
	must.NoError(t, err)
	must.True(t, ok)

	ok, err = s.AcquireCreate(ctx, "conductor/locks/apps/dev-o-r-main", "token-2", 15*time.Second)
	must.NoError(t, err)
	must.False(t, ok)

	v, found, err := s.Get(ctx, "conductor/locks/apps/dev-o-r-main")
	must.NoError(t, err)
	must.True(t, found)
	must.Eq(t, "token-1", v)
}

func TestConsulStore_CompareDelete(t *testing.T) {
	s := testConsulStore(t)
	ctx := context.Background()

	ok, err := s.AcquireCreate(ctx, "conductor/locks/apps/dev-o-r-main", "token-1", 15*time.Second)
	must.NoError(t, err)
	must.True(t, ok)

	ok, err = s.CompareDelete(ctx, "conductor/locks/apps/dev-o-r-main", "wrong")
	must.NoError(t, err)
	must.False(t, ok)

	ok, err = s.CompareDelete(ctx, "conductor/locks/apps/dev-o-r-main", "token-1")
	must.NoError(t, err)
	must.True(t, ok)

	// Key is free again after a release.
	ok, err = s.AcquireCreate(ctx, "conductor/locks/apps/dev-o-r-main", "token-3", 15*time.Second)
	must.NoError(t, err)
	must.True(t, ok)
}

func TestConsulStore_PutReplaces(t *testing.T) {
	s := testConsulStore(t)
	ctx := context.Background()

	key := "conductor/orchestrator/jobs/dev/o/r/main/frozen"
	must.NoError(t, s.Put(ctx, key, "true", 15*time.Second))
	must.NoError(t, s.Put(ctx, key, "false", 15*time.Second))

	v, found, err := s.Get(ctx, key)
	must.NoError(t, err)
	must.True(t, found)
	must.Eq(t, "false", v)

	must.NoError(t, s.Ping(ctx))
}
