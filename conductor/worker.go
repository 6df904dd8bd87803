// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/conductor/conductor/structs"
)

const (
	// backoffBaselineFast is the baseline time for exponential backoff.
	backoffBaselineFast = 20 * time.Millisecond

	// backoffLimitSlow is the limit of the exponential backoff.
	backoffLimitSlow = 5 * time.Second

	// dequeueTimeout is used to timeout a blocking dequeue so shutdown is
	// noticed promptly.
	dequeueTimeout = 500 * time.Millisecond
)

// TaskHandler runs one delivery of a task. The context carries the task's
// soft time limit; handlers doing I/O respect it. A nil return acks the
// task and triggers its success continuations, a recoverable error retries
// inside the type's budget and anything else routes the error
// continuations.
type TaskHandler func(ctx context.Context, task *structs.Task) error

// Worker pulls tasks off the broker and dispatches them to the registered
// handler for their type. Workers own the retry, chord and continuation
// bookkeeping so handlers stay plain functions.
type Worker struct {
	core   *Core
	logger hclog.Logger

	id string

	// failures counts dequeue errors in a row to drive backoff.
	failures uint

	shutdownCh <-chan struct{}
	doneCh     chan struct{}
}

// NewWorker starts a worker goroutine.
func NewWorker(core *Core) *Worker {
	id, _ := uuid.GenerateUUID()
	w := &Worker{
		core:       core,
		id:         id,
		logger:     core.logger.Named("worker").With("worker_id", id),
		shutdownCh: core.shutdownCh,
		doneCh:     make(chan struct{}),
	}
	go w.run()
	return w
}

// WaitForDone blocks until the worker goroutine exits.
func (w *Worker) WaitForDone() {
	<-w.doneCh
}

func (w *Worker) shuttingDown() bool {
	select {
	case <-w.shutdownCh:
		return true
	default:
		return false
	}
}

func (w *Worker) run() {
	defer close(w.doneCh)
	w.logger.Debug("running")
	for {
		// Dequeue a task to run.
		task, token, shutdown := w.dequeueTask(dequeueTimeout)
		if shutdown {
			w.logger.Debug("shutting down")
			return
		}
		if task == nil {
			continue
		}

		w.invokeHandler(task, token)
	}
}

// dequeueTask blocks for the next task, backing off when the broker
// errors. Returns shutdown=true once the core is stopping.
func (w *Worker) dequeueTask(timeout time.Duration) (*structs.Task, string, bool) {
	if w.shuttingDown() {
		return nil, "", true
	}

	task, token, err := w.core.broker.Dequeue(structs.TaskTypes, timeout)
	if err != nil {
		w.logger.Error("failed to dequeue task", "error", err)
		if w.backoffErr(backoffBaselineFast, backoffLimitSlow) {
			return nil, "", true
		}
		return nil, "", false
	}
	w.backoffReset()
	return task, token, false
}

// invokeHandler runs one delivery and settles it with the broker.
func (w *Worker) invokeHandler(task *structs.Task, token string) {
	defer metrics.MeasureSince([]string{"conductor", "worker", "invoke", task.Type}, time.Now())

	handler, ok := w.core.handler(task.Type)
	if !ok {
		w.settleFatal(task, token, structs.NewCodedError(structs.ErrCodeInternal,
			"no handler registered for task type "+task.Type))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.core.config.TaskSoftLimit)
	defer cancel()

	// The hard limit cannot kill a stuck goroutine; it makes the stall
	// loud instead.
	watchdog := time.AfterFunc(w.core.config.TaskHardLimit, func() {
		w.logger.Error("task exceeded hard time limit",
			"task_id", task.ID, "task_type", task.Type, "limit", w.core.config.TaskHardLimit)
	})
	defer watchdog.Stop()

	err := w.safeInvoke(ctx, handler, task)
	if err == nil {
		w.settleSuccess(task, token)
		return
	}

	policy := w.core.retryPolicy(task.Type)
	if structs.IsRecoverable(err) && !policy.Exhausted(task.Attempt) {
		w.logger.Warn("task failed, retrying",
			"task_id", task.ID, "task_type", task.Type, "attempt", task.Attempt,
			"delay", policy.Delay, "error", err)
		if nerr := w.core.broker.Nack(task.ID, token, policy.Delay); nerr != nil {
			w.logger.Error("failed to nack task", "task_id", task.ID, "error", nerr)
		}
		return
	}

	w.settleFatal(task, token, err)
}

// safeInvoke shields the worker loop from handler panics.
func (w *Worker) safeInvoke(ctx context.Context, handler TaskHandler, task *structs.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &structs.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return handler(ctx, task)
}

func (w *Worker) settleSuccess(task *structs.Task, token string) {
	if err := w.core.broker.Ack(task.ID, token); err != nil {
		w.logger.Error("failed to ack task", "task_id", task.ID, "error", err)
		return
	}
	if task.ChordID != "" {
		if err := w.core.chords.Complete(task.ChordID); err != nil {
			w.logger.Error("failed to complete chord member",
				"task_id", task.ID, "chord_id", task.ChordID, "error", err)
		}
	}
	if err := w.core.enqueueSpecs(task.OnSuccess, nil); err != nil {
		w.logger.Error("failed to enqueue continuations", "task_id", task.ID, "error", err)
	}
}

// settleFatal fails the task for good: the chord is poisoned and the error
// continuations run with the normalized error attached.
func (w *Worker) settleFatal(task *structs.Task, token string, cause error) {
	w.logger.Error("task failed",
		"task_id", task.ID, "task_type", task.Type, "attempt", task.Attempt, "error", cause)

	if err := w.core.broker.Fail(task.ID, token, cause); err != nil {
		w.logger.Error("failed to fail task", "task_id", task.ID, "error", err)
		return
	}
	if task.ChordID != "" {
		if err := w.core.chords.Fault(task.ChordID); err != nil {
			w.logger.Error("failed to fault chord", "chord_id", task.ChordID, "error", err)
		}
	}

	detail := structs.NormalizeError(cause)
	if err := w.core.enqueueSpecs(task.OnError, map[string]any{"error": detail.ToMap()}); err != nil {
		w.logger.Error("failed to enqueue error continuations", "task_id", task.ID, "error", err)
	}
}

// backoffErr is used to do an exponential back off on error. This is
// maintained statefully for the worker. Returns if attempts should be
// abandoned due to shutdown.
func (w *Worker) backoffErr(base, limit time.Duration) bool {
	backoff := (1 << (2 * w.failures)) * base
	if backoff > limit {
		backoff = limit
	} else {
		w.failures++
	}
	select {
	case <-time.After(backoff):
		return false
	case <-w.shutdownCh:
		return true
	}
}

// backoffReset is used to reset the failure count for
// exponential backoff.
func (w *Worker) backoffReset() {
	w.failures = 0
}
