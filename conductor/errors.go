// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"context"
	"fmt"

	"github.com/hashicorp/conductor/conductor/structs"
)

// handleJobError is the single failure path every pipeline routes through.
// It announces the failure, appends the terminal JOB_FAILED event, marks
// the job failed when one was correlated and gives the application lock
// back when the failing stage held it. Nothing here returns an error: the
// router must settle, whatever state the world is in, so every sub-step
// failure is logged and skipped.
func (c *Core) handleJobError(ctx context.Context, task *structs.Task) error {
	detail, err := decodeDoc[structs.ErrorDetail](task.Args, "error")
	if err != nil || detail == nil {
		if err != nil {
			c.logger.Error("error router received malformed error payload", "error", err)
		}
		detail = &structs.ErrorDetail{
			Message: "unknown failure",
			Code:    structs.ErrCodeInternal,
		}
	}

	git, err := decodeDoc[structs.GitInfo](task.Args, "git")
	if err != nil {
		c.logger.Error("error router received malformed git payload", "error", err)
	}
	if git == nil {
		if sig, serr := decodeDoc[structs.HookSignal](task.Args, "signal"); serr == nil && sig != nil {
			git = sig.GitInfo()
		}
	}
	cfg, err := decodeDoc[structs.AppConfig](task.Args, "config")
	if err != nil {
		c.logger.Error("error router received malformed config payload", "error", err)
	}

	jobID := argString(task.Args, "job-id")
	if jobID == "" && detail.Details != nil {
		jobID, _ = detail.Details["job-id"].(string)
	}
	token := argString(task.Args, "lock-token")

	logger := c.logger.Named("error_router")
	if git != nil {
		logger = logger.With("owner", git.Owner, "repo", git.Repo, "ref", git.Ref)
	}
	if jobID != "" {
		logger = logger.With("job_id", jobID)
	}

	// A second branch of the same fan-out failing after the first already
	// settled the job only needs the lock cleanup. The check and the state
	// flip run under settleLock so two branches cannot both observe an
	// active job and double-fail it.
	c.settleLock.Lock()
	settled := false
	if jobID != "" {
		if job, jerr := c.store.JobByID(jobID); jerr == nil && job != nil && !job.Active() {
			settled = true
		}
	}

	if settled {
		logger.Debug("job already settled, skipping failure bookkeeping", "code", detail.Code)
	} else {
		c.notifyAsync(cfg, &Notification{
			Level:   NotifyLevelFailed,
			Message: failureMessage(git, detail),
			Code:    detail.Code,
			Git:     git,
			JobID:   jobID,
		})

		details := map[string]any{"error": detail.ToMap()}
		if _, err := c.store.AppendEvent(structs.EventTypeJobFailed, details, metaFor(git, jobID)); err != nil {
			logger.Error("failed to append failure event", "error", err)
		}

		if jobID != "" {
			if _, err := c.store.UpdateJobState(jobID, structs.JobStateFailed); err != nil {
				logger.Error("failed to mark job failed", "error", err)
			}
		}

		logger.Error("job pipeline failed", "code", detail.Code, "message", detail.Message)
	}
	c.settleLock.Unlock()

	if token != "" && git != nil {
		c.locks.Release(ctx, git, token)
	}
	return nil
}

func failureMessage(git *structs.GitInfo, detail *structs.ErrorDetail) string {
	if git == nil {
		return fmt.Sprintf("Deploy failed: %s", detail.Message)
	}
	return fmt.Sprintf("Deploy failed for %s/%s@%s: %s", git.Owner, git.Repo, git.Ref, detail.Message)
}
