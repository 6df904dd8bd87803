// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/conductor/conductor/deployer"
	"github.com/hashicorp/conductor/conductor/kv"
	"github.com/hashicorp/conductor/conductor/state"
	"github.com/hashicorp/conductor/conductor/structs"
)

// Core is the deployment orchestrator: it owns the state store, the
// durable task queue and the worker pool, and exposes the two entry points
// the outside world drives it with, StartHook and StartUndeploy. The KV
// store carrying locks and freezes and the config loader are external
// collaborators handed in at construction.
type Core struct {
	logger hclog.Logger
	config *Config

	store      *state.StateStore
	kv         kv.Store
	broker     *TaskBroker
	chords     *ChordTracker
	locks      *LockService
	freeze     *FreezeRegistry
	correlator *Correlator
	deployer   *deployer.Client
	loader     *CachedLoader
	notifiers  *NotifierRegistry

	handlers map[string]TaskHandler
	workers  []*Worker

	// settleLock serializes terminal failure bookkeeping so concurrent
	// fan-out branches cannot double-fail a job.
	settleLock sync.Mutex

	gcExpr *cronexpr.Expression

	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
	shutdownDone bool
}

// NewCore builds and starts a core: the state store is opened, tasks that
// survived a restart are requeued and the worker pool plus the maintenance
// loops begin running. Callers own Shutdown.
func NewCore(config *Config, kvStore kv.Store, loader ConfigLoader) (*Core, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if kvStore == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if loader == nil {
		return nil, fmt.Errorf("config loader is required")
	}
	if config.Logger == nil {
		config.Logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
			Level: hclog.Info,
		})
	}
	logger := config.Logger.ResetNamed("conductor")

	store, err := state.NewStateStore(&state.StateStoreConfig{
		Logger:         logger,
		Path:           config.StatePath,
		JobRetention:   config.JobRetention,
		EventRetention: config.EventRetention,
		TaskRetention:  config.TaskRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	c := &Core{
		logger:     logger,
		config:     config,
		store:      store,
		kv:         kvStore,
		shutdownCh: make(chan struct{}),
		gcExpr:     cronexpr.MustParse(config.GCSchedule),
	}
	c.broker = NewTaskBroker(logger, store)
	c.chords = NewChordTracker(logger, store, c.broker)
	c.locks = NewLockService(logger, kvStore, config)
	c.freeze = NewFreezeRegistry(logger, kvStore, config)
	c.correlator = NewCorrelator(logger, store)
	c.deployer = deployer.NewClient(logger, config.DeployerTimeout, config.DeployerRequestsPerSecond)
	c.notifiers = NewNotifierRegistry(logger)
	c.notifiers.Register(LogNotifierName, NewLogNotifier(logger))
	c.loader = NewCachedLoader(logger, loader, config.ConfigCacheSize, config.ConfigCacheTTL)
	c.handlers = c.taskHandlers()

	// Requeue whatever a previous process left behind, then open for
	// business.
	if err := c.broker.Restore(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to restore task queue: %w", err)
	}
	c.broker.SetEnabled(true)

	for i := 0; i < config.NumWorkers; i++ {
		c.workers = append(c.workers, NewWorker(c))
	}
	go c.runGC()
	go c.runChordSweep()
	go c.broker.EmitStats(config.StatsEmitInterval, c.shutdownCh)

	logger.Info("core started",
		"environment", config.Environment, "workers", config.NumWorkers)
	return c, nil
}

// Shutdown stops the workers and closes the state store. In-flight tasks
// finish their current delivery; everything still queued is redelivered by
// the next process from the store.
func (c *Core) Shutdown() error {
	c.shutdownLock.Lock()
	defer c.shutdownLock.Unlock()
	if c.shutdownDone {
		return nil
	}
	c.shutdownDone = true

	c.logger.Info("shutting down")
	close(c.shutdownCh)
	for _, w := range c.workers {
		w.WaitForDone()
	}
	c.broker.SetEnabled(false)
	return c.store.Close()
}

// RegisterNotifier installs a notifier the per-application configs can
// address by name. Call before traffic arrives.
func (c *Core) RegisterNotifier(name string, n Notifier) {
	c.notifiers.Register(name, n)
}

// InvalidateConfig drops the cached evaluated config for an application so
// the next hook refetches it.
func (c *Core) InvalidateConfig(owner, repo, ref string) {
	c.loader.Invalidate(owner, repo, ref)
}

// InvalidateAllConfigs drops every cached evaluated config.
func (c *Core) InvalidateAllConfigs() {
	c.loader.Purge()
}

// StartHook validates a webhook signal and enqueues the hook pipeline for
// it, returning the id of the entry task. Processing is asynchronous from
// here on.
func (c *Core) StartHook(sig *structs.HookSignal) (string, error) {
	if sig == nil {
		return "", structs.NewCodedError(structs.ErrCodeConfigValidation, "nil hook signal")
	}
	if err := sig.Validate(); err != nil {
		return "", err
	}

	sigDoc, err := encodeDoc(sig)
	if err != nil {
		return "", err
	}
	spec := structs.NewTaskSpec(structs.TaskTypeHandleHook, map[string]any{
		"signal": sigDoc,
	}).Rescue(structs.NewTaskSpec(structs.TaskTypeJobError, map[string]any{
		"signal": sigDoc,
	}))

	task := newTask(spec)
	if err := c.broker.Enqueue(task); err != nil {
		return "", err
	}
	c.logger.Debug("accepted hook",
		"task_id", task.ID, "owner", sig.Owner, "repo", sig.Repo, "ref", sig.Ref,
		"hook_type", sig.HookType, "hook_name", sig.HookName, "status", sig.Status)
	return task.ID, nil
}

// StartUndeploy enqueues the undeploy pipeline for an application ref,
// returning the id of the entry task.
func (c *Core) StartUndeploy(owner, repo, ref string) (string, error) {
	if owner == "" || repo == "" || ref == "" {
		return "", structs.NewCodedError(structs.ErrCodeConfigValidation,
			"undeploy requires owner, repo and ref")
	}

	git := &structs.GitInfo{Owner: owner, Repo: repo, Ref: ref}
	gitDoc, err := encodeDoc(git)
	if err != nil {
		return "", err
	}
	spec := structs.NewTaskSpec(structs.TaskTypeHandleUndeploy, map[string]any{
		"git": gitDoc,
	}).Rescue(structs.NewTaskSpec(structs.TaskTypeJobError, map[string]any{
		"git": gitDoc,
	}))

	task := newTask(spec)
	if err := c.broker.Enqueue(task); err != nil {
		return "", err
	}
	c.logger.Debug("accepted undeploy",
		"task_id", task.ID, "owner", owner, "repo", repo, "ref", ref)
	return task.ID, nil
}

// handler resolves the handler for a task type.
func (c *Core) handler(taskType string) (TaskHandler, bool) {
	h, ok := c.handlers[taskType]
	return h, ok
}

// retryPolicy resolves the retry budget for a task type.
func (c *Core) retryPolicy(taskType string) structs.RetryPolicy {
	return c.config.RetryPolicyFor(taskType)
}

// enqueueSpecs turns specs into tasks and queues them, merging extra args
// in. Continuation plumbing funnels through here.
func (c *Core) enqueueSpecs(specs []*structs.TaskSpec, extra map[string]any) error {
	var mErr multierror.Error
	for _, spec := range specs {
		task := newTask(spec)
		if len(extra) > 0 && task.Args == nil {
			task.Args = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			task.Args[k] = v
		}
		if err := c.broker.Enqueue(task); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("enqueue %s: %w", spec.Type, err))
		}
	}
	return mErr.ErrorOrNil()
}

// notifyAsync queues a notification for delivery. Best effort by contract:
// an enqueue failure is logged and the pipeline moves on.
func (c *Core) notifyAsync(cfg *structs.AppConfig, n *Notification) {
	if n.Environment == "" {
		n.Environment = c.config.Environment
	}
	nDoc, err := encodeDoc(n)
	if err != nil {
		c.logger.Error("failed to encode notification", "error", err)
		return
	}
	args := map[string]any{"notification": nDoc}
	if cfg != nil {
		cfgDoc, err := encodeDoc(cfg)
		if err != nil {
			c.logger.Error("failed to encode notification config", "error", err)
			return
		}
		args["config"] = cfgDoc
	}
	task := newTask(structs.NewTaskSpec(structs.TaskTypeNotify, args))
	if err := c.broker.Enqueue(task); err != nil {
		c.logger.Error("failed to enqueue notification", "error", err)
	}
}

// runGC fires retention sweeps on the configured cron schedule.
func (c *Core) runGC() {
	for {
		now := time.Now()
		next := c.gcExpr.Next(now)
		if next.IsZero() {
			c.logger.Warn("gc schedule yields no next run, stopping sweeps",
				"schedule", c.config.GCSchedule)
			return
		}
		select {
		case <-time.After(next.Sub(now)):
			c.RunGC()
		case <-c.shutdownCh:
			return
		}
	}
}

// RunGC runs one retention sweep immediately, outside the schedule.
func (c *Core) RunGC() {
	defer metrics.MeasureSince([]string{"conductor", "gc", "sweep"}, time.Now())
	res, err := c.store.GC(time.Now())
	if err != nil {
		c.logger.Error("garbage collection failed", "error", err)
		return
	}
	metrics.IncrCounter([]string{"conductor", "gc", "jobs"}, float32(res.Jobs))
	metrics.IncrCounter([]string{"conductor", "gc", "events"}, float32(res.Events))
	metrics.IncrCounter([]string{"conductor", "gc", "tasks"}, float32(res.Tasks))
}

// runChordSweep periodically fires any fan-out join a crash orphaned
// between its last branch completing and the join being queued.
func (c *Core) runChordSweep() {
	ticker := time.NewTicker(c.config.ChordSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := c.chords.Sweep()
			if err != nil {
				c.logger.Error("chord sweep failed", "error", err)
				continue
			}
			if n > 0 {
				c.logger.Info("chord sweep fired orphaned joins", "count", n)
			}
		case <-c.shutdownCh:
			return
		}
	}
}

// CoreStats snapshots the queue and store for operators.
type CoreStats struct {
	Broker *BrokerStats
	State  state.StateStats
}

// Stats snapshots the core's moving parts.
func (c *Core) Stats() (*CoreStats, error) {
	stateStats, err := c.store.Stats()
	if err != nil {
		return nil, err
	}
	return &CoreStats{
		Broker: c.broker.Stats(),
		State:  stateStats,
	}, nil
}
