// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"slices"
)

const (
	// JobStateNew is the state of a job that has been created by the
	// correlator but has not had a hook applied yet.
	JobStateNew = "NEW"

	// JobStateScheduled is the state of a job that has absorbed at least
	// one hook and is waiting for the remaining ones.
	JobStateScheduled = "SCHEDULED"

	// JobStateComplete is the terminal state of a job whose deploy fan-out
	// finished on every deployer.
	JobStateComplete = "COMPLETE"

	// JobStateNoop is the terminal state of a job that required no work,
	// either because deployment is disabled or nothing is wired to deploy.
	JobStateNoop = "NOOP"

	// JobStateFailed is the terminal state of a job that hit a fatal error.
	JobStateFailed = "FAILED"
)

// ActiveJobStates are the states in which a job may still absorb hooks. At
// most one job per (owner, repo, ref) is ever in one of these states.
var ActiveJobStates = []string{JobStateNew, JobStateScheduled}

const (
	HookTypeCI        = "ci"
	HookTypeBuilder   = "builder"
	HookTypeSCMPush   = "scm-push"
	HookTypeSCMCreate = "scm-create"
)

const (
	HookStatusPending = "pending"
	HookStatusSuccess = "success"
	HookStatusFailed  = "failed"
)

// HookTypes lists every hook type a signal may carry.
var HookTypes = []string{HookTypeCI, HookTypeBuilder, HookTypeSCMPush, HookTypeSCMCreate}

// GatingHookTypes are the hook types whose reported statuses gate a deploy.
// SCM hooks announce activity but never hold a job back.
var GatingHookTypes = []string{HookTypeCI, HookTypeBuilder}

const (
	EventTypeNewJob            = "NEW_JOB"
	EventTypeAcquiredLock      = "ACQUIRED_LOCK"
	EventTypeCallbackHook      = "CALLBACK_HOOK"
	EventTypeUndeployHook      = "UNDEPLOY_HOOK"
	EventTypeUndeployRequested = "UNDEPLOY_REQUESTED"
	EventTypeSetupAppComplete  = "SETUP_APPLICATION_COMPLETE"
	EventTypeDeployRequested   = "DEPLOY_REQUESTED"
	EventTypeJobComplete       = "JOB_COMPLETE"
	EventTypeJobFailed         = "JOB_FAILED"
	EventTypeCommitIgnored     = "COMMIT_IGNORED"
	EventTypeHookIgnored       = "HOOK_IGNORED"
	EventTypeJobNoop           = "JOB_NOOP"
	EventTypePendingHook       = "PENDING_HOOK"
)

// EventComponent tags every event written by this system.
const EventComponent = "orchestrator"

// GitInfo identifies the git coordinates a job deploys. Commit tracks the
// commit currently being deployed while CommitSet remembers every commit the
// job has ever seen for its ref, so late hooks for superseded commits can be
// recognized and dropped.
type GitInfo struct {
	Owner     string   `json:"owner"`
	Repo      string   `json:"repo"`
	Ref       string   `json:"ref"`
	Commit    string   `json:"commit,omitempty"`
	CommitSet []string `json:"commit-set,omitempty"`
}

func (g *GitInfo) Copy() *GitInfo {
	if g == nil {
		return nil
	}
	ng := new(GitInfo)
	*ng = *g
	ng.CommitSet = slices.Clone(g.CommitSet)
	return ng
}

// AppKey is the identity string used for locks and log lines.
func (g *GitInfo) AppKey(env string) string {
	return fmt.Sprintf("%s-%s-%s-%s", env, g.Owner, g.Repo, g.Ref)
}

// AppID is the identity deployers key on, without the environment prefix
// lock keys carry.
func (g *GitInfo) AppID() string {
	return fmt.Sprintf("%s-%s-%s", g.Owner, g.Repo, g.Ref)
}

// HasCommit reports whether commit is already part of the commit set.
func (g *GitInfo) HasCommit(commit string) bool {
	return slices.Contains(g.CommitSet, commit)
}

// MetaInfo is the identity block stamped onto events and deploy requests.
type MetaInfo struct {
	JobID string   `json:"job-id"`
	Git   *GitInfo `json:"git"`
}

func (m *MetaInfo) Copy() *MetaInfo {
	if m == nil {
		return nil
	}
	return &MetaInfo{JobID: m.JobID, Git: m.Git.Copy()}
}

// ToMap renders the meta info as the untyped document embedded in event
// search metadata and deployer request bodies.
func (m *MetaInfo) ToMap() map[string]any {
	git := map[string]any{
		"owner":  m.Git.Owner,
		"repo":   m.Git.Repo,
		"ref":    m.Git.Ref,
		"commit": m.Git.Commit,
	}
	return map[string]any{
		"job-id": m.JobID,
		"git":    git,
	}
}

// Job is the unit of correlation: one deployment attempt for one
// (owner, repo, ref). Hooks is the matrix of expected hook reports keyed by
// hook type then hook name; values are hook statuses.
type Job struct {
	ID          string                       `json:"id"`
	State       string                       `json:"state"`
	Git         *GitInfo                     `json:"git"`
	Hooks       map[string]map[string]string `json:"hooks"`
	ForceDeploy bool                         `json:"force-deploy"`

	// Config is the application config snapshot taken when the job was
	// created or its commit was superseded.
	Config *AppConfig `json:"config"`

	CreateTime int64 `json:"create_time"`
	ModifyTime int64 `json:"modify_time"`

	// ExpireTime drives retention. Refreshed on every write so only idle
	// jobs age out.
	ExpireTime int64 `json:"expire_time"`

	CreateIndex uint64 `json:"create_index"`
	ModifyIndex uint64 `json:"modify_index"`
}

func (j *Job) Copy() *Job {
	if j == nil {
		return nil
	}
	nj := new(Job)
	*nj = *j
	nj.Git = j.Git.Copy()
	nj.Config = j.Config.Copy()
	if j.Hooks != nil {
		nj.Hooks = make(map[string]map[string]string, len(j.Hooks))
		for typ, names := range j.Hooks {
			inner := make(map[string]string, len(names))
			for name, status := range names {
				inner[name] = status
			}
			nj.Hooks[typ] = inner
		}
	}
	return nj
}

// MetaInfo derives the identity block for events and deploy requests.
func (j *Job) MetaInfo() *MetaInfo {
	return &MetaInfo{JobID: j.ID, Git: j.Git.Copy()}
}

// Active reports whether the job may still absorb hooks.
func (j *Job) Active() bool {
	return slices.Contains(ActiveJobStates, j.State)
}

// SetHookStatus records a hook report in the matrix, creating the type
// bucket if the matrix was built before the hook was configured.
func (j *Job) SetHookStatus(hookType, hookName, status string) {
	if j.Hooks == nil {
		j.Hooks = make(map[string]map[string]string)
	}
	if j.Hooks[hookType] == nil {
		j.Hooks[hookType] = make(map[string]string)
	}
	j.Hooks[hookType][hookName] = status
}

// ResetHooks rebuilds the hook matrix to pending for every enabled hook in
// the config snapshot. Called when a job is created and when a new commit
// supersedes the one in flight.
func (j *Job) ResetHooks() {
	j.Hooks = make(map[string]map[string]string)
	if j.Config == nil {
		return
	}
	for typ, names := range j.Config.Hooks {
		for name, hc := range names {
			if hc != nil && hc.Enabled {
				j.SetHookStatus(typ, name, HookStatusPending)
			}
		}
	}
}

// PendingHooks returns the names of gating hooks still pending.
func (j *Job) PendingHooks() []string {
	return j.gatingHooksWithStatus(HookStatusPending)
}

// FailedHooks returns the names of gating hooks that reported failure.
func (j *Job) FailedHooks() []string {
	return j.gatingHooksWithStatus(HookStatusFailed)
}

func (j *Job) gatingHooksWithStatus(status string) []string {
	var out []string
	for _, typ := range GatingHookTypes {
		for name, st := range j.Hooks[typ] {
			if st == status {
				out = append(out, name)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Event is one append-only record of orchestrator activity. Details carries
// the type-specific document, Meta the search identity (meta-info block).
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Component string         `json:"component"`
	Details   map[string]any `json:"details,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`

	Timestamp  int64 `json:"timestamp"`
	ExpireTime int64 `json:"expire_time"`

	// Index orders events totally even when timestamps collide.
	Index uint64 `json:"index"`
}

// HookResult is the payload a builder reports on success. Image carries a
// ready pullable image reference; DockerURL plus DockerTags is the raw quay
// form that still needs the tag joined on.
type HookResult struct {
	Image      string   `json:"image,omitempty"`
	DockerURL  string   `json:"docker_url,omitempty"`
	DockerTags []string `json:"docker_tags,omitempty"`
}

func (r *HookResult) Copy() *HookResult {
	if r == nil {
		return nil
	}
	nr := new(HookResult)
	*nr = *r
	nr.DockerTags = slices.Clone(r.DockerTags)
	return nr
}

// HookSignal is a normalized inbound webhook: who reported (type, name),
// about what (owner, repo, ref, commit) and what happened (status, result).
type HookSignal struct {
	Owner    string `json:"owner"`
	Repo     string `json:"repo"`
	Ref      string `json:"ref"`
	Commit   string `json:"commit,omitempty"`
	HookType string `json:"type"`
	HookName string `json:"name"`
	Status   string `json:"status"`

	Result *HookResult `json:"result,omitempty"`

	// ForceDeploy requests a deploy as soon as the signal lands, skipping
	// the wait for remaining gating hooks.
	ForceDeploy bool `json:"force-deploy,omitempty"`
}

func (h *HookSignal) Copy() *HookSignal {
	if h == nil {
		return nil
	}
	nh := new(HookSignal)
	*nh = *h
	nh.Result = h.Result.Copy()
	return nh
}

// Validate checks the signal is well formed before it is accepted into the
// pipeline. Status defaults to success upstream, so an empty status is
// rejected here rather than guessed at.
func (h *HookSignal) Validate() error {
	if h.Owner == "" || h.Repo == "" || h.Ref == "" {
		return NewCodedError(ErrCodeConfigValidation, "hook signal missing git coordinates")
	}
	if !slices.Contains(HookTypes, h.HookType) {
		return NewCodedError(ErrCodeConfigValidation,
			fmt.Sprintf("unknown hook type %q", h.HookType))
	}
	if h.HookName == "" {
		return NewCodedError(ErrCodeConfigValidation, "hook signal missing hook name")
	}
	switch h.Status {
	case HookStatusPending, HookStatusSuccess, HookStatusFailed:
	default:
		return NewCodedError(ErrCodeConfigValidation,
			fmt.Sprintf("unknown hook status %q", h.Status))
	}
	return nil
}

// GitInfo builds the git coordinates carried by the signal.
func (h *HookSignal) GitInfo() *GitInfo {
	return &GitInfo{Owner: h.Owner, Repo: h.Repo, Ref: h.Ref, Commit: h.Commit}
}

// Image resolves the deployable image reference from a builder result.
// The quay builder reports a repository URL and tag list that need joining;
// every other builder reports the image directly.
func (h *HookSignal) Image() string {
	if h.Result == nil {
		return ""
	}
	if h.HookName == "quay" {
		if h.Result.DockerURL == "" {
			return ""
		}
		if len(h.Result.DockerTags) > 0 {
			return h.Result.DockerURL + ":" + h.Result.DockerTags[0]
		}
		return h.Result.DockerURL
	}
	return h.Result.Image
}
