// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/conductor/ci"
	"github.com/hashicorp/conductor/conductor/structs"
)

func TestEvaluateReadiness(t *testing.T) {
	ci.Parallel(t)

	job := &structs.Job{Config: testAppConfig("http://deployer")}
	job.ResetHooks()

	// Fresh matrix: both gating hooks still owe a report.
	r := EvaluateReadiness(job)
	must.False(t, r.Ready())
	must.Eq(t, []string{"quay", "travis"}, r.Pending)
	must.SliceEmpty(t, r.Failed)

	job.SetHookStatus(structs.HookTypeCI, "travis", structs.HookStatusSuccess)
	r = EvaluateReadiness(job)
	must.False(t, r.Ready())
	must.Eq(t, []string{"quay"}, r.Pending)

	job.SetHookStatus(structs.HookTypeBuilder, "quay", structs.HookStatusSuccess)
	r = EvaluateReadiness(job)
	must.True(t, r.Ready())

	// One failure makes the job undeployable whatever the rest say.
	job.SetHookStatus(structs.HookTypeCI, "travis", structs.HookStatusFailed)
	r = EvaluateReadiness(job)
	must.False(t, r.Ready())
	must.Eq(t, []string{"travis"}, r.Failed)
	must.SliceEmpty(t, r.Pending)
}

func TestEvaluateReadiness_ForceDeploy(t *testing.T) {
	ci.Parallel(t)

	job := &structs.Job{Config: testAppConfig("http://deployer"), ForceDeploy: true}
	job.ResetHooks()
	job.SetHookStatus(structs.HookTypeCI, "travis", structs.HookStatusFailed)

	// Force passes unconditionally, pending and failed hooks included.
	r := EvaluateReadiness(job)
	must.True(t, r.Ready())
	must.SliceEmpty(t, r.Failed)
	must.SliceEmpty(t, r.Pending)
}

func TestEvaluateReadiness_SCMHooksNeverGate(t *testing.T) {
	ci.Parallel(t)

	cfg := testAppConfig("http://deployer")
	cfg.Hooks[structs.HookTypeSCMPush] = map[string]*structs.HookConfig{
		"github": {Enabled: true},
	}
	job := &structs.Job{Config: cfg}
	job.ResetHooks()

	job.SetHookStatus(structs.HookTypeCI, "travis", structs.HookStatusSuccess)
	job.SetHookStatus(structs.HookTypeBuilder, "quay", structs.HookStatusSuccess)

	// The scm hook never reported; the job is ready anyway.
	must.Eq(t, structs.HookStatusPending, job.Hooks[structs.HookTypeSCMPush]["github"])
	must.True(t, EvaluateReadiness(job).Ready())
}

func TestNewHooksFailedError(t *testing.T) {
	ci.Parallel(t)

	err := NewHooksFailedError([]string{"quay", "travis"})
	must.Eq(t, structs.ErrCodeHooksFailed, err.Code)
	must.False(t, structs.IsRecoverable(err))
	must.StrContains(t, err.Error(), "quay, travis")
	must.Eq(t, []string{"quay", "travis"}, err.Details["hooks"].([]string))
}
