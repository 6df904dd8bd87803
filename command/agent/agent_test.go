// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hashicorp/conductor/ci"
	"github.com/hashicorp/conductor/helper/testlog"
	"github.com/stretchr/testify/require"
)

// devAgent starts an agent in dev mode with its state in a test-scoped
// directory. Callers own the shutdown.
func devAgent(t *testing.T, mutate func(*Config)) *Agent {
	t.Helper()

	conf := DevConfig()
	conf.StatePath = filepath.Join(t.TempDir(), "state.db")
	if mutate != nil {
		mutate(conf)
	}

	logger := testlog.HCLogger(t)
	agent, err := NewAgent(conf, logger, testlog.NewWriter(t), nil)
	require.NoError(t, err)
	return agent
}

func TestAgent_Dev(t *testing.T) {
	ci.Parallel(t)

	agent := devAgent(t, nil)
	defer agent.Shutdown()

	require.NotNil(t, agent.Core())

	health := agent.Core().Health(context.Background())
	require.True(t, health.Healthy)
}

func TestAgent_Shutdown_Idempotent(t *testing.T) {
	ci.Parallel(t)

	agent := devAgent(t, nil)

	require.NoError(t, agent.Shutdown())
	require.NoError(t, agent.Shutdown())

	select {
	case <-agent.shutdownCh:
	default:
		t.Fatal("shutdown channel should be closed")
	}
}

func TestAgent_UnknownKVBackend(t *testing.T) {
	ci.Parallel(t)

	conf := DevConfig()
	conf.StatePath = filepath.Join(t.TempDir(), "state.db")
	conf.KV.Backend = "zookeeper"

	logger := testlog.HCLogger(t)
	_, err := NewAgent(conf, logger, testlog.NewWriter(t), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown kv backend")
}

func TestAgent_RequiresStatePath(t *testing.T) {
	ci.Parallel(t)

	conf := DefaultConfig()
	conf.KV.Backend = "inmem"
	conf.AppsDir = t.TempDir()

	logger := testlog.HCLogger(t)
	_, err := NewAgent(conf, logger, testlog.NewWriter(t), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "data_dir or state_path")
}

func TestAgent_RequiresAppsDir(t *testing.T) {
	ci.Parallel(t)

	conf := DefaultConfig()
	conf.KV.Backend = "inmem"
	conf.StatePath = filepath.Join(t.TempDir(), "state.db")

	logger := testlog.HCLogger(t)
	_, err := NewAgent(conf, logger, testlog.NewWriter(t), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "apps_dir")
}

func TestAgent_Reload(t *testing.T) {
	ci.Parallel(t)

	agent := devAgent(t, nil)
	defer agent.Shutdown()

	require.Error(t, agent.Reload(nil))

	// The test logger starts at trace.
	require.True(t, agent.logger.IsDebug())

	newConf := DevConfig()
	newConf.LogLevel = "ERROR"
	require.NoError(t, agent.Reload(newConf))

	require.False(t, agent.logger.IsDebug())
	require.True(t, agent.logger.IsError())
	require.Equal(t, "ERROR", agent.config.LogLevel)
}

func TestAgent_AppsDirLoader(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	agent := devAgent(t, func(c *Config) {
		c.AppsDir = dir
	})
	defer agent.Shutdown()

	require.NotNil(t, agent.Core())
}
