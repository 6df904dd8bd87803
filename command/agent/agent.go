// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hashicorp/consul/api"
	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/conductor/conductor"
	"github.com/hashicorp/conductor/conductor/kv"
	"github.com/hashicorp/conductor/conductor/structs"
)

// Agent is the long running daemon wrapping a conductor core. It wires the
// KV store carrying locks and freezes, the application config source and
// telemetry from the agent configuration, and owns the core's lifecycle.
type Agent struct {
	config     *Config
	configLock sync.Mutex

	logger    log.InterceptLogger
	logOutput io.Writer

	core *conductor.Core

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	InmemSink *metrics.InmemSink
}

// NewAgent is used to create a new agent with the given configuration
func NewAgent(config *Config, logger log.InterceptLogger, logOutput io.Writer, inmem *metrics.InmemSink) (*Agent, error) {
	a := &Agent{
		config:     config,
		logger:     logger,
		logOutput:  logOutput,
		shutdownCh: make(chan struct{}),
		InmemSink:  inmem,
	}

	if err := a.setupCore(); err != nil {
		return nil, err
	}

	return a, nil
}

// setupCore converts the agent configuration, wires the collaborators and
// starts the core.
func (a *Agent) setupCore() error {
	conf, err := a.config.ConductorConfig()
	if err != nil {
		return err
	}
	conf.Logger = a.logger

	// Dev mode runs out of a throwaway directory unless the operator
	// pointed the state somewhere.
	if conf.StatePath == "" && a.config.DevMode {
		dir, err := os.MkdirTemp("", "conductor-dev")
		if err != nil {
			return fmt.Errorf("failed to create dev state dir: %w", err)
		}
		conf.StatePath = filepath.Join(dir, "conductor.db")
	}

	kvStore, err := a.setupKV()
	if err != nil {
		return err
	}

	source, err := a.setupConfigSource()
	if err != nil {
		return err
	}

	core, err := conductor.NewCore(conf, kvStore, source)
	if err != nil {
		return fmt.Errorf("core setup failed: %w", err)
	}
	a.core = core

	a.logStartupHealth()
	return nil
}

// setupKV builds the store backing application locks and freeze flags.
func (a *Agent) setupKV() (kv.Store, error) {
	backend := ""
	if a.config.KV != nil {
		backend = a.config.KV.Backend
	}

	switch backend {
	case "", "consul":
		apiConf := api.DefaultConfig()
		if a.config.KV != nil {
			if a.config.KV.Address != "" {
				apiConf.Address = a.config.KV.Address
			}
			if a.config.KV.Token != "" {
				apiConf.Token = a.config.KV.Token
			}
			if a.config.KV.Datacenter != "" {
				apiConf.Datacenter = a.config.KV.Datacenter
			}
		}
		client, err := api.NewClient(apiConf)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Consul client: %w", err)
		}
		return kv.NewConsulStore(client, a.logger), nil
	case "inmem":
		if !a.config.DevMode {
			a.logger.Warn("in-memory kv backend keeps locks local to this process")
		}
		return kv.NewInmemStore(), nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", backend)
	}
}

// setupConfigSource builds the loader handing out per-application configs.
// Outside of dev mode an apps directory is required; in dev mode a missing
// directory falls back to serving every application a disabled config so
// hooks settle as noops.
func (a *Agent) setupConfigSource() (conductor.ConfigLoader, error) {
	if a.config.AppsDir != "" {
		var fallback *structs.AppConfig
		if a.config.DevMode {
			fallback = &structs.AppConfig{}
		}
		return conductor.NewFileLoader(a.logger, a.config.AppsDir, fallback), nil
	}
	if a.config.DevMode {
		return conductor.NewStaticLoader(&structs.AppConfig{}), nil
	}
	return nil, fmt.Errorf("apps_dir is required outside of dev mode")
}

// logStartupHealth probes the core's dependencies once and logs the
// verdicts, so a misconfigured KV store is visible right at startup rather
// than on the first lock attempt.
func (a *Agent) logStartupHealth() {
	health := a.core.Health(context.Background())

	names := make([]string, 0, len(health.Checks))
	for name := range health.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := health.Checks[name]
		if check.Healthy {
			a.logger.Info("health check passed", "check", name)
		} else {
			a.logger.Warn("health check failed", "check", name, "detail", check.Detail)
		}
	}
	if !health.Healthy {
		a.logger.Warn("agent started degraded; deployments may fail until dependencies recover")
	}
}

// Core returns the running core.
func (a *Agent) Core() *conductor.Core {
	return a.core
}

// Reload handles configuration changes for the agent. Only a subset of the
// configuration may be reloaded: the log level, plus the evaluated
// application configs which are flushed so edited files take effect now.
func (a *Agent) Reload(newConfig *Config) error {
	a.configLock.Lock()
	defer a.configLock.Unlock()

	if newConfig == nil {
		return fmt.Errorf("cannot apply nil agent config")
	}

	updatedLogging := newConfig.LogLevel != "" && newConfig.LogLevel != a.config.LogLevel
	if updatedLogging {
		a.config.LogLevel = newConfig.LogLevel
		a.logger.SetLevel(log.LevelFromString(newConfig.LogLevel))
		a.logger.Info("log level updated", "log_level", newConfig.LogLevel)
	}

	a.core.InvalidateAllConfigs()
	return nil
}

// Shutdown is used to terminate the agent.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.logger.Info("requesting shutdown")
	if a.core != nil {
		if err := a.core.Shutdown(); err != nil {
			a.logger.Error("core shutdown failed", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return nil
}
