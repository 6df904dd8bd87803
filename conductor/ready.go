// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"fmt"
	"strings"

	"github.com/hashicorp/conductor/conductor/structs"
)

// Readiness is the verdict over a job's gating hooks. Only ci and builder
// hooks gate a deploy; scm hooks inform correlation but never hold one
// back.
type Readiness struct {
	// Failed names gating hooks that reported failure. Any entry makes the
	// job undeployable for good.
	Failed []string

	// Pending names gating hooks still waiting on a report.
	Pending []string
}

// Ready reports whether the job may fan out to its deployers.
func (r Readiness) Ready() bool {
	return len(r.Failed) == 0 && len(r.Pending) == 0
}

// EvaluateReadiness inspects the job's hook matrix. A force deploy passes
// unconditionally, whatever the hooks say.
func EvaluateReadiness(job *structs.Job) Readiness {
	if job.ForceDeploy {
		return Readiness{}
	}
	return Readiness{
		Failed:  job.FailedHooks(),
		Pending: job.PendingHooks(),
	}
}

// NewHooksFailedError is the terminal error raised when gating hooks report
// failure. Never recoverable: a failed hook will not change its mind.
func NewHooksFailedError(failed []string) *structs.CodedError {
	err := structs.NewCodedError(structs.ErrCodeHooksFailed,
		fmt.Sprintf("gating hooks failed: %s", strings.Join(failed, ", ")))
	return err.WithDetail("hooks", failed)
}
