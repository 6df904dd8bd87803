// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/conductor/conductor/structs"
)

// DeployTarget is one enabled deployer taken from a job's config snapshot.
type DeployTarget struct {
	Name string
	URL  string
}

// DeployTargets lists the deployers a fan-out addresses: enabled, with a
// URL, sorted by name so fan-outs are deterministic.
func DeployTargets(cfg *structs.AppConfig) []DeployTarget {
	var targets []DeployTarget
	for _, name := range cfg.EnabledDeployers() {
		targets = append(targets, DeployTarget{Name: name, URL: cfg.Deployers[name].URL})
	}
	return targets
}

// BuildDeployRequest renders the version-create document POSTed to one
// deployer: the job's meta-info augmented with the target deployer, plus
// the proxy, templates, deployment, security and notifications sections of
// the job's config snapshot. Values go out unscrubbed; only the copy
// recorded in events is blanked.
func BuildDeployRequest(job *structs.Job, target DeployTarget) map[string]any {
	d := job.Config.Deployers[target.Name]

	meta := job.MetaInfo().ToMap()
	meta["deployer"] = map[string]any{"name": target.Name, "url": target.URL}

	return map[string]any{
		"meta-info":     meta,
		"proxy":         d.Proxy,
		"templates":     d.Templates,
		"deployment":    d.Deployment,
		"security":      job.Config.Security,
		"notifications": job.Config.Notifications,
	}
}

// startDeployFanout enqueues one deploy request per target under a chord
// whose join marks the job complete and then releases the application
// lock. A fatal branch poisons the chord and reaches the error router
// through the branch's own error continuation instead.
func (c *Core) startDeployFanout(task *structs.Task, job *structs.Job, token string) error {
	targets := DeployTargets(job.Config)

	gitDoc, err := encodeDoc(job.Git)
	if err != nil {
		return structs.WithJobID(err, job.ID)
	}
	cfgDoc := task.Args["config"]

	rescue := structs.NewTaskSpec(structs.TaskTypeJobError, map[string]any{
		"git":        gitDoc,
		"config":     cfgDoc,
		"job-id":     job.ID,
		"lock-token": token,
	})

	join := structs.NewTaskSpec(structs.TaskTypeDeployComplete, map[string]any{
		"git":    gitDoc,
		"config": cfgDoc,
		"job-id": job.ID,
	}).Then(releaseSpec(gitDoc, token)).Rescue(rescue.Copy())

	chord, err := c.chords.Start(len(targets), join)
	if err != nil {
		return structs.WithJobID(err, job.ID)
	}

	var mErr multierror.Error
	for _, target := range targets {
		spec := structs.NewTaskSpec(structs.TaskTypeDeployRequest, map[string]any{
			"name":    target.Name,
			"url":     target.URL,
			"request": BuildDeployRequest(job, target),
			"git":     gitDoc,
			"config":  cfgDoc,
			"job-id":  job.ID,
		}).Rescue(rescue.Copy())

		branch := newTask(spec)
		branch.ChordID = chord.ID
		if err := c.broker.Enqueue(branch); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return structs.WithJobID(err, job.ID)
	}

	c.logger.Debug("deploy fan-out started",
		"job_id", job.ID, "deployers", len(targets), "chord_id", chord.ID)
	return nil
}
