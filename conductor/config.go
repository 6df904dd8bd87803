// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"fmt"
	"runtime"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/conductor/conductor/structs"
)

// Config is used to parameterize the core.
type Config struct {
	// Logger is the root logger; components derive named loggers from it.
	Logger hclog.InterceptLogger

	// Environment names the cluster this orchestrator serves. It prefixes
	// lock and freeze keys so several environments can share a KV store.
	Environment string

	// StatePath is the bolt file holding jobs, events and the task queue.
	StatePath string

	// KVBase prefixes every lock and freeze key.
	KVBase string

	// NumWorkers is the number of task workers to run.
	NumWorkers int

	// LockTTL bounds how long an application lock may be held before the
	// KV store reclaims it from a dead holder.
	LockTTL time.Duration

	// FreezeTTL bounds how long a freeze flag lives without a refresh.
	FreezeTTL time.Duration

	// LockRetry paces attempts to acquire a busy application lock.
	LockRetry structs.RetryPolicy

	// DeployRetry paces deploy requests against unreachable deployers.
	DeployRetry structs.RetryPolicy

	// WaitRetry paces settle polls after an undeploy fan-out.
	WaitRetry structs.RetryPolicy

	// DefaultRetry paces every other task type.
	DefaultRetry structs.RetryPolicy

	// TaskSoftLimit is the running time after which a task's context is
	// cancelled.
	TaskSoftLimit time.Duration

	// TaskHardLimit is the running time after which a stuck task is
	// reported loudly.
	TaskHardLimit time.Duration

	// JobRetention bounds how long idle jobs survive; every write pushes a
	// job's expiry out again.
	JobRetention time.Duration

	// EventRetention bounds how long events survive.
	EventRetention time.Duration

	// TaskRetention bounds how long finished tasks stay visible.
	TaskRetention time.Duration

	// ChordSweepInterval paces the pass that fires any fan-out join a
	// crash may have orphaned.
	ChordSweepInterval time.Duration

	// GCSchedule is a cron expression scheduling retention sweeps.
	GCSchedule string

	// ConfigCacheTTL and ConfigCacheSize parameterize the evaluated config
	// cache in front of the loader.
	ConfigCacheTTL  time.Duration
	ConfigCacheSize int

	// DeployerRequestsPerSecond rate limits outbound deployer traffic.
	// Zero means unlimited.
	DeployerRequestsPerSecond float64

	// DeployerTimeout bounds a single deployer HTTP request.
	DeployerTimeout time.Duration

	// StatsEmitInterval paces metric gauge emission.
	StatsEmitInterval time.Duration
}

// DefaultConfig returns the default configuration. The retry budgets carry
// the operational defaults: a busy lock is retried 20 times at 5 second
// spacing, a flapping deployer 10 times at 20 seconds, an undeploy settle
// poll 30 times at 10 seconds and everything else 5 times at 10 seconds.
func DefaultConfig() *Config {
	return &Config{
		Environment:               "local",
		KVBase:                    "conductor",
		NumWorkers:                runtime.NumCPU(),
		LockTTL:                   600 * time.Second,
		FreezeTTL:                 24 * time.Hour,
		LockRetry:                 structs.RetryPolicy{Attempts: 20, Delay: 5 * time.Second},
		DeployRetry:               structs.RetryPolicy{Attempts: 10, Delay: 20 * time.Second},
		WaitRetry:                 structs.RetryPolicy{Attempts: 30, Delay: 10 * time.Second},
		DefaultRetry:              structs.RetryPolicy{Attempts: 5, Delay: 10 * time.Second},
		TaskSoftLimit:             600 * time.Second,
		TaskHardLimit:             1800 * time.Second,
		JobRetention:              4 * 7 * 24 * time.Hour,
		EventRetention:            90 * 24 * time.Hour,
		TaskRetention:             24 * time.Hour,
		ChordSweepInterval:        20 * time.Second,
		GCSchedule:                "@hourly",
		ConfigCacheTTL:            120 * time.Second,
		ConfigCacheSize:           256,
		DeployerRequestsPerSecond: 64,
		DeployerTimeout:           30 * time.Second,
		StatsEmitInterval:         10 * time.Second,
	}
}

// RetryPolicyFor resolves the retry budget for a task type.
func (c *Config) RetryPolicyFor(taskType string) structs.RetryPolicy {
	switch taskType {
	case structs.TaskTypeAcquireLock:
		return c.LockRetry
	case structs.TaskTypeDeployRequest:
		return c.DeployRetry
	case structs.TaskTypeUndeployWait:
		return c.WaitRetry
	default:
		return c.DefaultRetry
	}
}

// Validate catches configurations the core cannot run with.
func (c *Config) Validate() error {
	var mErr multierror.Error
	if c.StatePath == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("state path is required"))
	}
	if c.NumWorkers <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("worker count must be positive, got %d", c.NumWorkers))
	}
	if c.Environment == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("environment name is required"))
	}
	if _, err := cronexpr.Parse(c.GCSchedule); err != nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid gc schedule %q: %w", c.GCSchedule, err))
	}
	if c.TaskSoftLimit > c.TaskHardLimit {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("task soft limit %s exceeds hard limit %s", c.TaskSoftLimit, c.TaskHardLimit))
	}
	return mErr.ErrorOrNil()
}
