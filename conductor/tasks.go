// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/conductor/conductor/structs"
)

// taskHandlers wires every task type to its handler. The worker consults
// this table on dispatch.
func (c *Core) taskHandlers() map[string]TaskHandler {
	return map[string]TaskHandler{
		structs.TaskTypeHandleHook:      c.handleHook,
		structs.TaskTypeAcquireLock:     c.acquireLock,
		structs.TaskTypeProcessHook:     c.processHook,
		structs.TaskTypeDeployRequest:   c.deployRequest,
		structs.TaskTypeDeployComplete:  c.deployComplete,
		structs.TaskTypeHandleUndeploy:  c.handleUndeploy,
		structs.TaskTypeUndeployApp:     c.undeployApp,
		structs.TaskTypeUndeployRequest: c.undeployRequest,
		structs.TaskTypeUndeployWait:    c.undeployWait,
		structs.TaskTypeReleaseLock:     c.releaseLock,
		structs.TaskTypeJobError:        c.handleJobError,
		structs.TaskTypeNotify:          c.deliverNotification,
	}
}

// newTask mints a queued task from a spec.
func newTask(spec *structs.TaskSpec) *structs.Task {
	id, _ := uuid.GenerateUUID()
	s := spec.Copy()
	return &structs.Task{
		ID:        id,
		Type:      s.Type,
		Args:      s.Args,
		State:     structs.TaskStatePending,
		OnSuccess: s.OnSuccess,
		OnError:   s.OnError,
	}
}

// encodeDoc renders a typed value into the plain document form task args
// are persisted in, so a task looks the same fresh and after a restore.
func encodeDoc(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeDoc reads one typed value out of a task's args. Absent keys return
// nil so callers can treat arguments as optional.
func decodeDoc[T any](args map[string]any, key string) (*T, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	out := new(T)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, structs.NewCodedError(structs.ErrCodeInternal,
			fmt.Sprintf("malformed %s argument: %v", key, err))
	}
	return out, nil
}

// requireDoc is decodeDoc for arguments the handler cannot run without.
func requireDoc[T any](args map[string]any, key string) (*T, error) {
	v, err := decodeDoc[T](args, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, structs.NewCodedError(structs.ErrCodeInternal,
			"task missing required argument "+key)
	}
	return v, nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// metaFor builds the meta-info document stamped onto events. The job id is
// omitted before correlation has named one.
func metaFor(git *structs.GitInfo, jobID string) map[string]any {
	if git == nil {
		if jobID == "" {
			return nil
		}
		return map[string]any{"job-id": jobID}
	}
	meta := (&structs.MetaInfo{JobID: jobID, Git: git}).ToMap()
	if jobID == "" {
		delete(meta, "job-id")
	}
	return meta
}

// releaseSpec builds the cleanup step that gives the application lock back.
func releaseSpec(gitDoc any, token string) *structs.TaskSpec {
	return structs.NewTaskSpec(structs.TaskTypeReleaseLock, map[string]any{
		"git":        gitDoc,
		"lock-token": token,
	})
}

// handleHook is the head of the hook pipeline: it loads the application's
// evaluated config, announces the webhook and queues the locked section.
// Config load failures abort here and surface through the error
// continuation, as no sensible processing can happen without config.
func (c *Core) handleHook(ctx context.Context, task *structs.Task) error {
	sig, err := requireDoc[structs.HookSignal](task.Args, "signal")
	if err != nil {
		return err
	}
	git := sig.GitInfo()

	cfg, err := c.loader.Load(ctx, sig.Owner, sig.Repo, sig.Ref)
	if err != nil {
		return err
	}

	c.notifyAsync(cfg, &Notification{
		Level:   NotifyLevelStarted,
		Message: fmt.Sprintf("Received webhook %s/%s with status %s", sig.HookType, sig.HookName, sig.Status),
		Git:     git,
	})

	details := map[string]any{
		"hook": map[string]any{
			"type":   sig.HookType,
			"name":   sig.HookName,
			"status": sig.Status,
		},
		"force-deploy": sig.ForceDeploy,
	}
	if sig.Commit != "" {
		details["commit"] = sig.Commit
	}
	if _, err := c.store.AppendEvent(structs.EventTypeCallbackHook, details, metaFor(git, "")); err != nil {
		return err
	}

	sigDoc := task.Args["signal"]
	cfgDoc, err := encodeDoc(cfg)
	if err != nil {
		return err
	}
	gitDoc, err := encodeDoc(git)
	if err != nil {
		return err
	}

	rescue := structs.NewTaskSpec(structs.TaskTypeJobError, map[string]any{
		"signal": sigDoc,
		"config": cfgDoc,
	})
	process := structs.NewTaskSpec(structs.TaskTypeProcessHook, map[string]any{
		"signal": sigDoc,
		"config": cfgDoc,
	}).Rescue(rescue.Copy())
	processDoc, err := encodeDoc(process)
	if err != nil {
		return err
	}

	acquire := structs.NewTaskSpec(structs.TaskTypeAcquireLock, map[string]any{
		"git":  gitDoc,
		"next": processDoc,
	}).Rescue(rescue.Copy())

	return c.enqueueSpecs([]*structs.TaskSpec{acquire}, nil)
}

// acquireLock takes the application lock and hands the minted owner token
// to the nested next step and its error continuations, so whoever ends the
// pipeline can give the lock back. A held lock surfaces as a recoverable
// error and rides the lock retry budget.
func (c *Core) acquireLock(ctx context.Context, task *structs.Task) error {
	git, err := requireDoc[structs.GitInfo](task.Args, "git")
	if err != nil {
		return err
	}
	next, err := requireDoc[structs.TaskSpec](task.Args, "next")
	if err != nil {
		return err
	}

	token, err := c.locks.Acquire(ctx, git)
	if err != nil {
		return err
	}

	// Past this point the lock is held; any failure must give it back or
	// the application stays locked until the TTL runs out.
	if _, err := c.store.AppendEvent(structs.EventTypeAcquiredLock,
		map[string]any{"key": c.locks.Key(git)}, metaFor(git, "")); err != nil {
		c.locks.Release(ctx, git, token)
		return err
	}

	if next.Args == nil {
		next.Args = make(map[string]any)
	}
	next.Args["lock-token"] = token
	for _, spec := range next.OnError {
		if spec.Args == nil {
			spec.Args = make(map[string]any)
		}
		spec.Args["lock-token"] = token
	}

	if err := c.enqueueSpecs([]*structs.TaskSpec{next}, nil); err != nil {
		c.locks.Release(ctx, git, token)
		return err
	}
	return nil
}

// processHook runs the locked section of the hook pipeline: correlation,
// hook application and the readiness verdict, ending in a deploy fan-out,
// a wait for more hooks or a terminal verdict for the job.
func (c *Core) processHook(ctx context.Context, task *structs.Task) error {
	sig, err := requireDoc[structs.HookSignal](task.Args, "signal")
	if err != nil {
		return err
	}
	cfg, err := requireDoc[structs.AppConfig](task.Args, "config")
	if err != nil {
		return err
	}
	token := argString(task.Args, "lock-token")

	git := sig.GitInfo()
	gitDoc, err := encodeDoc(git)
	if err != nil {
		return err
	}

	job, err := c.correlator.Correlate(sig, cfg)
	if err != nil {
		return err
	}

	if c.correlator.Superseded(job, sig) {
		details := map[string]any{
			"commit":        sig.Commit,
			"active-commit": job.Git.Commit,
		}
		if _, err := c.store.AppendEvent(structs.EventTypeCommitIgnored, details, metaFor(git, job.ID)); err != nil {
			return structs.WithJobID(err, job.ID)
		}
		return c.enqueueSpecs([]*structs.TaskSpec{releaseSpec(gitDoc, token)}, nil)
	}

	// An scm-create closes application setup: the freeze is lifted and the
	// job needs no deploy. Anything else arriving while the application is
	// frozen is absorbed without deploying.
	noop, noopReason := false, ""
	if sig.HookType == structs.HookTypeSCMCreate {
		if err := c.freeze.SetFrozen(ctx, git, false); err != nil {
			return structs.WithJobID(err, job.ID)
		}
		if _, err := c.store.AppendEvent(structs.EventTypeSetupAppComplete, nil, metaFor(git, job.ID)); err != nil {
			return structs.WithJobID(err, job.ID)
		}
		noop, noopReason = true, "application setup complete"
	} else {
		frozen, err := c.freeze.IsFrozen(ctx, git)
		if err != nil {
			return structs.WithJobID(err, job.ID)
		}
		if frozen {
			noop, noopReason = true, "application frozen"
		}
	}

	if !noop {
		switch {
		case !cfg.Enabled:
			noop, noopReason = true, "deployments disabled"
		case !cfg.HasEnabledBuilder():
			noop, noopReason = true, "no enabled builder hook"
		case len(cfg.EnabledDeployers()) == 0:
			noop, noopReason = true, "no enabled deployer"
		}
	}

	if noop {
		if _, err := c.store.UpdateJobState(job.ID, structs.JobStateNoop); err != nil {
			return structs.WithJobID(err, job.ID)
		}
		details := map[string]any{"reason": noopReason}
		if _, err := c.store.AppendEvent(structs.EventTypeJobNoop, details, metaFor(git, job.ID)); err != nil {
			return structs.WithJobID(err, job.ID)
		}
		c.notifyAsync(cfg, &Notification{
			Level:   NotifyLevelSuccess,
			Message: fmt.Sprintf("Deploy skipped for %s/%s@%s: %s", git.Owner, git.Repo, git.Ref, noopReason),
			Git:     git,
			JobID:   job.ID,
		})
		return c.enqueueSpecs([]*structs.TaskSpec{releaseSpec(gitDoc, token)}, nil)
	}

	if _, tracked := job.Hooks[sig.HookType][sig.HookName]; !tracked {
		details := map[string]any{
			"hook": map[string]any{
				"type":   sig.HookType,
				"name":   sig.HookName,
				"status": sig.Status,
			},
		}
		if _, err := c.store.AppendEvent(structs.EventTypeHookIgnored, details, metaFor(git, job.ID)); err != nil {
			return structs.WithJobID(err, job.ID)
		}
		return c.enqueueSpecs([]*structs.TaskSpec{releaseSpec(gitDoc, token)}, nil)
	}

	job.State = structs.JobStateScheduled
	job.SetHookStatus(sig.HookType, sig.HookName, sig.Status)
	job.ForceDeploy = sig.ForceDeploy
	if sig.HookType == structs.HookTypeBuilder && sig.Status == structs.HookStatusSuccess {
		if image := sig.Image(); image != "" {
			job.Config.SetImage(image)
		}
	}
	updated, err := c.store.UpsertJob(job)
	if err != nil {
		return structs.WithJobID(err, job.ID)
	}
	job = updated

	ready := EvaluateReadiness(job)
	if len(ready.Failed) > 0 {
		return structs.WithJobID(NewHooksFailedError(ready.Failed), job.ID)
	}
	if len(ready.Pending) > 0 {
		details := map[string]any{"pending": ready.Pending}
		if _, err := c.store.AppendEvent(structs.EventTypePendingHook, details, metaFor(git, job.ID)); err != nil {
			return structs.WithJobID(err, job.ID)
		}
		return c.enqueueSpecs([]*structs.TaskSpec{releaseSpec(gitDoc, token)}, nil)
	}

	return c.startDeployFanout(task, job, token)
}

// deployRequest POSTs one version-create document to one deployer.
// Unreachable deployers surface as recoverable errors and ride the deploy
// retry budget; a rejection is final.
func (c *Core) deployRequest(ctx context.Context, task *structs.Task) error {
	name := argString(task.Args, "name")
	url := argString(task.Args, "url")
	jobID := argString(task.Args, "job-id")
	git, err := requireDoc[structs.GitInfo](task.Args, "git")
	if err != nil {
		return err
	}
	cfg, err := decodeDoc[structs.AppConfig](task.Args, "config")
	if err != nil {
		return err
	}
	request, _ := task.Args["request"].(map[string]any)

	resp, err := c.deployer.CreateApp(ctx, url, request)
	if err != nil {
		return structs.WithJobID(err, jobID)
	}

	details := map[string]any{
		"name":     name,
		"url":      url,
		"status":   resp.Status,
		"request":  request,
		"response": resp.Body,
	}
	if _, err := c.store.AppendEvent(structs.EventTypeDeployRequested, details, metaFor(git, jobID)); err != nil {
		return structs.WithJobID(err, jobID)
	}

	c.notifyAsync(cfg, &Notification{
		Level:   NotifyLevelSuccess,
		Message: fmt.Sprintf("Deployment requested on %s for %s/%s@%s", name, git.Owner, git.Repo, git.Ref),
		Git:     git,
		JobID:   jobID,
	})
	return nil
}

// deployComplete is the fan-out join: every deployer accepted its request,
// so the job is done.
func (c *Core) deployComplete(ctx context.Context, task *structs.Task) error {
	jobID := argString(task.Args, "job-id")
	git, err := requireDoc[structs.GitInfo](task.Args, "git")
	if err != nil {
		return structs.WithJobID(err, jobID)
	}
	cfg, err := decodeDoc[structs.AppConfig](task.Args, "config")
	if err != nil {
		return structs.WithJobID(err, jobID)
	}

	if _, err := c.store.UpdateJobState(jobID, structs.JobStateComplete); err != nil {
		return structs.WithJobID(err, jobID)
	}
	if _, err := c.store.AppendEvent(structs.EventTypeJobComplete, nil, metaFor(git, jobID)); err != nil {
		return structs.WithJobID(err, jobID)
	}

	c.notifyAsync(cfg, &Notification{
		Level:   NotifyLevelSuccess,
		Message: fmt.Sprintf("Deploy complete for %s/%s@%s", git.Owner, git.Repo, git.Ref),
		Git:     git,
		JobID:   jobID,
	})
	return nil
}

// handleUndeploy is the head of the undeploy pipeline: load config,
// announce the request and queue the locked removal.
func (c *Core) handleUndeploy(ctx context.Context, task *structs.Task) error {
	git, err := requireDoc[structs.GitInfo](task.Args, "git")
	if err != nil {
		return err
	}

	cfg, err := c.loader.Load(ctx, git.Owner, git.Repo, git.Ref)
	if err != nil {
		return err
	}

	if _, err := c.store.AppendEvent(structs.EventTypeUndeployHook, nil, metaFor(git, "")); err != nil {
		return err
	}
	c.notifyAsync(cfg, &Notification{
		Level:   NotifyLevelStarted,
		Message: fmt.Sprintf("Received undeploy request for %s/%s@%s", git.Owner, git.Repo, git.Ref),
		Git:     git,
	})

	gitDoc := task.Args["git"]
	cfgDoc, err := encodeDoc(cfg)
	if err != nil {
		return err
	}

	rescue := structs.NewTaskSpec(structs.TaskTypeJobError, map[string]any{
		"git":    gitDoc,
		"config": cfgDoc,
	})
	app := structs.NewTaskSpec(structs.TaskTypeUndeployApp, map[string]any{
		"git":    gitDoc,
		"config": cfgDoc,
	}).Rescue(rescue.Copy())
	appDoc, err := encodeDoc(app)
	if err != nil {
		return err
	}

	acquire := structs.NewTaskSpec(structs.TaskTypeAcquireLock, map[string]any{
		"git":  gitDoc,
		"next": appDoc,
	}).Rescue(rescue.Copy())

	return c.enqueueSpecs([]*structs.TaskSpec{acquire}, nil)
}

// undeployApp runs the locked section of an undeploy: freeze the
// application so no concurrent hook redeploys it, fan the deletes out and
// park a settle poll behind them. The freeze deliberately outlives the
// pipeline; only an scm-create lifts it again.
func (c *Core) undeployApp(ctx context.Context, task *structs.Task) error {
	git, err := requireDoc[structs.GitInfo](task.Args, "git")
	if err != nil {
		return err
	}
	cfg, err := requireDoc[structs.AppConfig](task.Args, "config")
	if err != nil {
		return err
	}
	token := argString(task.Args, "lock-token")
	gitDoc := task.Args["git"]

	if err := c.freeze.SetFrozen(ctx, git, true); err != nil {
		return err
	}

	var branchIDs []string
	for _, target := range DeployTargets(cfg) {
		spec := structs.NewTaskSpec(structs.TaskTypeUndeployRequest, map[string]any{
			"name": target.Name,
			"url":  target.URL,
			"git":  gitDoc,
		})
		branch := newTask(spec)
		if err := c.broker.Enqueue(branch); err != nil {
			return err
		}
		branchIDs = append(branchIDs, branch.ID)
	}

	rescue := structs.NewTaskSpec(structs.TaskTypeJobError, map[string]any{
		"git":        gitDoc,
		"config":     task.Args["config"],
		"lock-token": token,
	})
	wait := structs.NewTaskSpec(structs.TaskTypeUndeployWait, map[string]any{
		"task-ids": branchIDs,
		"git":      gitDoc,
	}).Then(releaseSpec(gitDoc, token)).Rescue(rescue)

	waitTask := newTask(wait)
	waitTask.NotBefore = time.Now().Add(c.config.WaitRetry.Delay).UnixNano()
	if err := c.broker.Enqueue(waitTask); err != nil {
		return err
	}

	c.logger.Debug("undeploy fan-out started",
		"owner", git.Owner, "repo", git.Repo, "ref", git.Ref, "deployers", len(branchIDs))
	return nil
}

// undeployRequest DELETEs the application from one deployer. Only
// transport failures retry; whatever status the deployer answers is
// recorded and the branch settles.
func (c *Core) undeployRequest(ctx context.Context, task *structs.Task) error {
	name := argString(task.Args, "name")
	url := argString(task.Args, "url")
	git, err := requireDoc[structs.GitInfo](task.Args, "git")
	if err != nil {
		return err
	}

	resp, err := c.deployer.DeleteApp(ctx, url, git.AppID())
	if err != nil {
		return err
	}

	details := map[string]any{
		"name":     name,
		"url":      url,
		"app-id":   git.AppID(),
		"status":   resp.Status,
		"response": resp.Body,
	}
	if _, err := c.store.AppendEvent(structs.EventTypeUndeployRequested, details, metaFor(git, "")); err != nil {
		return err
	}
	return nil
}

// undeployWait polls the undeploy branches until every delete has settled,
// riding the wait retry budget between polls.
func (c *Core) undeployWait(ctx context.Context, task *structs.Task) error {
	ids := argStrings(task.Args, "task-ids")

	waiting := 0
	for _, id := range ids {
		t, err := c.store.TaskByID(id)
		if err != nil {
			return err
		}
		if t != nil && !t.TerminalState() {
			waiting++
		}
	}
	if waiting > 0 {
		return structs.WrapRecoverable(
			fmt.Errorf("waiting for %d of %d undeploy requests to settle", waiting, len(ids)))
	}

	c.logger.Debug("undeploy requests settled", "count", len(ids))
	return nil
}

// releaseLock gives the application lock back. Release never fails: an
// expired or stolen lock is logged and the pipeline moves on, the store's
// upsert semantics keep later writers correct.
func (c *Core) releaseLock(ctx context.Context, task *structs.Task) error {
	git, err := requireDoc[structs.GitInfo](task.Args, "git")
	if err != nil {
		return err
	}
	token := argString(task.Args, "lock-token")
	if token == "" {
		c.logger.Warn("release task carried no lock token",
			"owner", git.Owner, "repo", git.Repo, "ref", git.Ref)
		return nil
	}
	c.locks.Release(ctx, git, token)
	return nil
}

// deliverNotification runs one queued notification through the registry.
// Delivery is best effort: transport failures are logged, never retried
// into the job's failure path.
func (c *Core) deliverNotification(ctx context.Context, task *structs.Task) error {
	n, err := requireDoc[Notification](task.Args, "notification")
	if err != nil {
		return err
	}
	cfg, err := decodeDoc[structs.AppConfig](task.Args, "config")
	if err != nil {
		return err
	}
	if err := c.notifiers.Dispatch(ctx, cfg, n); err != nil {
		c.logger.Warn("notification delivery failed",
			"level", NotifyLevelName(n.Level), "error", err)
	}
	return nil
}
