// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/conductor/ci"
	"github.com/hashicorp/conductor/conductor/structs"
	"github.com/hashicorp/conductor/helper/testlog"
	"github.com/hashicorp/conductor/testutil"
)

// testWorkerCore builds a core with just enough wiring to run workers:
// store, broker, chords and a caller-supplied handler table. None of the
// background loops are started.
func testWorkerCore(t *testing.T) *Core {
	t.Helper()

	config := DefaultConfig()
	config.Logger = testlog.HCLogger(t)
	config.LockRetry = structs.RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	config.DeployRetry = structs.RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	config.WaitRetry = structs.RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	config.DefaultRetry = structs.RetryPolicy{Attempts: 3, Delay: time.Millisecond}

	store := testBrokerStore(t)
	broker := NewTaskBroker(testlog.HCLogger(t), store)
	broker.SetEnabled(true)

	c := &Core{
		logger:     testlog.HCLogger(t),
		config:     config,
		store:      store,
		broker:     broker,
		shutdownCh: make(chan struct{}),
		handlers:   make(map[string]TaskHandler),
	}
	c.chords = NewChordTracker(testlog.HCLogger(t), store, broker)
	return c
}

func startTestWorker(t *testing.T, c *Core) *Worker {
	t.Helper()
	w := NewWorker(c)
	t.Cleanup(func() {
		select {
		case <-c.shutdownCh:
		default:
			close(c.shutdownCh)
		}
		w.WaitForDone()
	})
	return w
}

func waitForTaskState(t *testing.T, c *Core, id, state string) *structs.Task {
	t.Helper()
	var task *structs.Task
	testutil.WaitForResult(func() (bool, error) {
		var err error
		task, err = c.store.TaskByID(id)
		if err != nil {
			return false, err
		}
		if task == nil {
			return false, fmt.Errorf("task %s not found", id)
		}
		return task.State == state, fmt.Errorf("task in state %s, want %s", task.State, state)
	}, func(err error) {
		t.Fatalf("%v", err)
	})
	return task
}

func TestWorker_RunsTask(t *testing.T) {
	ci.Parallel(t)

	c := testWorkerCore(t)
	invoked := make(chan *structs.Task, 1)
	c.handlers[structs.TaskTypeNotify] = func(_ context.Context, task *structs.Task) error {
		invoked <- task
		return nil
	}

	task := newTask(structs.NewTaskSpec(structs.TaskTypeNotify, map[string]any{"k": "v"}))
	must.NoError(t, c.broker.Enqueue(task))
	startTestWorker(t, c)

	select {
	case got := <-invoked:
		must.Eq(t, task.ID, got.ID)
		must.Eq(t, "v", got.Args["k"])
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	waitForTaskState(t, c, task.ID, structs.TaskStateComplete)
}

func TestWorker_RetriesRecoverable(t *testing.T) {
	ci.Parallel(t)

	c := testWorkerCore(t)
	var attempts int32
	c.handlers[structs.TaskTypeProcessHook] = func(_ context.Context, task *structs.Task) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return structs.WrapRecoverable(errors.New("lock busy"))
		}
		return nil
	}

	task := newTask(structs.NewTaskSpec(structs.TaskTypeProcessHook, nil))
	must.NoError(t, c.broker.Enqueue(task))
	startTestWorker(t, c)

	// Two recoverable failures fit inside the budget of three deliveries.
	waitForTaskState(t, c, task.ID, structs.TaskStateComplete)
	must.Eq(t, 3, atomic.LoadInt32(&attempts))
}

func TestWorker_RetryBudgetExhausted(t *testing.T) {
	ci.Parallel(t)

	c := testWorkerCore(t)
	var attempts int32
	c.handlers[structs.TaskTypeDeployRequest] = func(_ context.Context, task *structs.Task) error {
		atomic.AddInt32(&attempts, 1)
		return structs.WrapRecoverable(errors.New("deployer unreachable"))
	}
	errCh := make(chan map[string]any, 1)
	c.handlers[structs.TaskTypeJobError] = func(_ context.Context, task *structs.Task) error {
		detail, _ := task.Args["error"].(map[string]any)
		errCh <- detail
		return nil
	}

	spec := structs.NewTaskSpec(structs.TaskTypeDeployRequest, nil).
		Rescue(structs.NewTaskSpec(structs.TaskTypeJobError, nil))
	task := newTask(spec)
	must.NoError(t, c.broker.Enqueue(task))
	startTestWorker(t, c)

	// The error continuation runs with the normalized error attached.
	select {
	case detail := <-errCh:
		must.Eq(t, "deployer unreachable", detail["message"])
		must.Eq(t, structs.ErrCodeInternal, detail["code"])
	case <-time.After(5 * time.Second):
		t.Fatal("error continuation never ran")
	}
	must.Eq(t, 3, atomic.LoadInt32(&attempts))
	waitForTaskState(t, c, task.ID, structs.TaskStateFailed)
}

func TestWorker_FatalSkipsRetry(t *testing.T) {
	ci.Parallel(t)

	c := testWorkerCore(t)
	var attempts int32
	c.handlers[structs.TaskTypeProcessHook] = func(_ context.Context, task *structs.Task) error {
		atomic.AddInt32(&attempts, 1)
		return NewHooksFailedError([]string{"travis"})
	}
	errCh := make(chan map[string]any, 1)
	c.handlers[structs.TaskTypeJobError] = func(_ context.Context, task *structs.Task) error {
		detail, _ := task.Args["error"].(map[string]any)
		errCh <- detail
		return nil
	}

	spec := structs.NewTaskSpec(structs.TaskTypeProcessHook, nil).
		Rescue(structs.NewTaskSpec(structs.TaskTypeJobError, nil))
	task := newTask(spec)
	must.NoError(t, c.broker.Enqueue(task))
	startTestWorker(t, c)

	select {
	case detail := <-errCh:
		must.Eq(t, structs.ErrCodeHooksFailed, detail["code"])
	case <-time.After(5 * time.Second):
		t.Fatal("error continuation never ran")
	}

	// Terminal errors burn no retries.
	must.Eq(t, 1, atomic.LoadInt32(&attempts))
	stored := waitForTaskState(t, c, task.ID, structs.TaskStateFailed)
	must.StrContains(t, stored.Error, "gating hooks failed")
}

func TestWorker_PanicCaptured(t *testing.T) {
	ci.Parallel(t)

	c := testWorkerCore(t)
	c.handlers[structs.TaskTypeProcessHook] = func(_ context.Context, task *structs.Task) error {
		panic("nil map write")
	}
	errCh := make(chan map[string]any, 1)
	c.handlers[structs.TaskTypeJobError] = func(_ context.Context, task *structs.Task) error {
		detail, _ := task.Args["error"].(map[string]any)
		errCh <- detail
		return nil
	}

	spec := structs.NewTaskSpec(structs.TaskTypeProcessHook, nil).
		Rescue(structs.NewTaskSpec(structs.TaskTypeJobError, nil))
	task := newTask(spec)
	must.NoError(t, c.broker.Enqueue(task))
	startTestWorker(t, c)

	select {
	case detail := <-errCh:
		must.Eq(t, structs.ErrCodeInternal, detail["code"])
		message, _ := detail["message"].(string)
		must.StrContains(t, message, "nil map write")
		traceback, _ := detail["traceback"].(string)
		must.NotEq(t, "", traceback)
	case <-time.After(5 * time.Second):
		t.Fatal("error continuation never ran")
	}

	waitForTaskState(t, c, task.ID, structs.TaskStateFailed)
}

func TestWorker_SuccessContinuations(t *testing.T) {
	ci.Parallel(t)

	c := testWorkerCore(t)
	c.handlers[structs.TaskTypeProcessHook] = func(_ context.Context, task *structs.Task) error {
		return nil
	}
	releaseCh := make(chan *structs.Task, 1)
	c.handlers[structs.TaskTypeReleaseLock] = func(_ context.Context, task *structs.Task) error {
		releaseCh <- task
		return nil
	}

	spec := structs.NewTaskSpec(structs.TaskTypeProcessHook, nil).
		Then(structs.NewTaskSpec(structs.TaskTypeReleaseLock, map[string]any{"lock-token": "tok"}))
	task := newTask(spec)
	must.NoError(t, c.broker.Enqueue(task))
	startTestWorker(t, c)

	select {
	case got := <-releaseCh:
		must.Eq(t, "tok", got.Args["lock-token"])
	case <-time.After(5 * time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestWorker_ChordJoin(t *testing.T) {
	ci.Parallel(t)

	c := testWorkerCore(t)
	var branches int32
	c.handlers[structs.TaskTypeDeployRequest] = func(_ context.Context, task *structs.Task) error {
		atomic.AddInt32(&branches, 1)
		return nil
	}
	joinCh := make(chan struct{}, 1)
	c.handlers[structs.TaskTypeDeployComplete] = func(_ context.Context, task *structs.Task) error {
		joinCh <- struct{}{}
		return nil
	}

	chord, err := c.chords.Start(2, structs.NewTaskSpec(structs.TaskTypeDeployComplete, nil))
	must.NoError(t, err)
	for i := 0; i < 2; i++ {
		branch := newTask(structs.NewTaskSpec(structs.TaskTypeDeployRequest, nil))
		branch.ChordID = chord.ID
		must.NoError(t, c.broker.Enqueue(branch))
	}
	startTestWorker(t, c)

	select {
	case <-joinCh:
	case <-time.After(5 * time.Second):
		t.Fatal("join never ran")
	}
	must.Eq(t, 2, atomic.LoadInt32(&branches))
}

func TestWorker_ChordFault(t *testing.T) {
	ci.Parallel(t)

	c := testWorkerCore(t)
	c.handlers[structs.TaskTypeDeployRequest] = func(_ context.Context, task *structs.Task) error {
		return structs.NewCodedError(structs.ErrCodeDeployFailed, "got 400")
	}
	joinCh := make(chan struct{}, 1)
	c.handlers[structs.TaskTypeDeployComplete] = func(_ context.Context, task *structs.Task) error {
		joinCh <- struct{}{}
		return nil
	}

	chord, err := c.chords.Start(2, structs.NewTaskSpec(structs.TaskTypeDeployComplete, nil))
	must.NoError(t, err)
	var branchIDs []string
	for i := 0; i < 2; i++ {
		branch := newTask(structs.NewTaskSpec(structs.TaskTypeDeployRequest, nil))
		branch.ChordID = chord.ID
		must.NoError(t, c.broker.Enqueue(branch))
		branchIDs = append(branchIDs, branch.ID)
	}
	startTestWorker(t, c)

	for _, id := range branchIDs {
		waitForTaskState(t, c, id, structs.TaskStateFailed)
	}

	// The poisoned barrier holds the join back for good.
	stored, err := c.store.ChordByID(chord.ID)
	must.NoError(t, err)
	must.True(t, stored.Failed)
	select {
	case <-joinCh:
		t.Fatal("join ran despite a failed branch")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorker_NoHandler(t *testing.T) {
	ci.Parallel(t)

	c := testWorkerCore(t)

	task := newTask(structs.NewTaskSpec(structs.TaskTypeUndeployWait, nil))
	must.NoError(t, c.broker.Enqueue(task))
	startTestWorker(t, c)

	stored := waitForTaskState(t, c, task.ID, structs.TaskStateFailed)
	must.StrContains(t, stored.Error, "no handler registered")
}

func TestWorker_Shutdown(t *testing.T) {
	ci.Parallel(t)

	c := testWorkerCore(t)
	w := NewWorker(c)

	close(c.shutdownCh)
	doneCh := make(chan struct{})
	go func() {
		w.WaitForDone()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
