// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/conductor/conductor/state"
	"github.com/hashicorp/conductor/conductor/structs"
)

// Correlator resolves an incoming hook signal to the single active job for
// its application, creating one when none exists. Callers must hold the
// application lock: correlation assumes it is the only writer for the
// (owner, repo, ref) key while it runs.
type Correlator struct {
	logger hclog.Logger
	store  *state.StateStore
}

func NewCorrelator(logger hclog.Logger, store *state.StateStore) *Correlator {
	return &Correlator{
		logger: logger.Named("correlate"),
		store:  store,
	}
}

// Correlate returns the job the signal belongs to. An active job absorbing
// a commit it has not seen moves to that commit: the commit set grows, every
// enabled hook resets to pending and the config snapshot is replaced, since
// earlier hook reports spoke about an older tree. An active job that already
// knows the commit is returned unchanged; Superseded distinguishes a repeat
// of the current commit from a stale arrival. With no active job a fresh one
// is minted in state NEW and a NEW_JOB event is appended.
func (c *Correlator) Correlate(sig *structs.HookSignal, cfg *structs.AppConfig) (*structs.Job, error) {
	job, err := c.store.ActiveJobByApp(sig.Owner, sig.Repo, sig.Ref)
	if err != nil {
		return nil, err
	}

	if job != nil {
		if sig.Commit != "" && !job.Git.HasCommit(sig.Commit) {
			c.logger.Debug("new commit supersedes job in flight",
				"job_id", job.ID, "old_commit", job.Git.Commit, "new_commit", sig.Commit)
			job.Git.Commit = sig.Commit
			job.Git.CommitSet = append(job.Git.CommitSet, sig.Commit)
			job.Config = cfg.Copy()
			job.ResetHooks()
			return c.store.UpsertJob(job)
		}
		return job, nil
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	job = &structs.Job{
		ID:          id,
		State:       structs.JobStateNew,
		Git:         sig.GitInfo(),
		ForceDeploy: sig.ForceDeploy,
		Config:      cfg.Copy(),
	}
	if sig.Commit != "" {
		job.Git.CommitSet = []string{sig.Commit}
	}
	job.ResetHooks()

	details := map[string]any{"force-deploy": job.ForceDeploy}
	if _, err := c.store.AppendEvent(structs.EventTypeNewJob, details, job.MetaInfo().ToMap()); err != nil {
		return nil, err
	}
	job, err = c.store.UpsertJob(job)
	if err != nil {
		return nil, err
	}
	c.logger.Info("created job",
		"job_id", job.ID, "owner", job.Git.Owner, "repo", job.Git.Repo, "ref", job.Git.Ref)
	return job, nil
}

// Superseded reports whether the signal carries a commit the job has
// already moved past. Such signals are late arrivals from an earlier push
// and must not disturb the deploy in flight.
func (c *Correlator) Superseded(job *structs.Job, sig *structs.HookSignal) bool {
	return sig.Commit != "" &&
		sig.Commit != job.Git.Commit &&
		job.Git.HasCommit(sig.Commit)
}
