// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"time"

	"github.com/mitchellh/copystructure"
)

const (
	// TaskStatePending means the task is queued or waiting out a retry
	// delay.
	TaskStatePending = "pending"

	// TaskStateRunning means a worker holds the task under an outstanding
	// token.
	TaskStateRunning = "running"

	TaskStateComplete  = "complete"
	TaskStateFailed    = "failed"
	TaskStateCancelled = "cancelled"
)

const (
	TaskTypeHandleHook      = "handle-hook"
	TaskTypeAcquireLock     = "acquire-lock"
	TaskTypeProcessHook     = "process-hook"
	TaskTypeDeployRequest   = "deploy-request"
	TaskTypeDeployComplete  = "deploy-complete"
	TaskTypeHandleUndeploy  = "handle-undeploy"
	TaskTypeUndeployApp     = "undeploy-app"
	TaskTypeUndeployRequest = "undeploy-request"
	TaskTypeUndeployWait    = "undeploy-wait"
	TaskTypeReleaseLock     = "release-lock"
	TaskTypeJobError        = "job-error"
	TaskTypeNotify          = "notify"
)

// TaskTypes lists every type the workers handle, in no particular order.
var TaskTypes = []string{
	TaskTypeHandleHook,
	TaskTypeAcquireLock,
	TaskTypeProcessHook,
	TaskTypeDeployRequest,
	TaskTypeDeployComplete,
	TaskTypeHandleUndeploy,
	TaskTypeUndeployApp,
	TaskTypeUndeployRequest,
	TaskTypeUndeployWait,
	TaskTypeReleaseLock,
	TaskTypeJobError,
	TaskTypeNotify,
}

// TaskSpec is the template for a task that is not yet queued: the type, its
// arguments and the continuations to run after it. Specs nest so a whole
// pipeline can be described up front and carried through the queue.
type TaskSpec struct {
	Type string         `json:"type"`
	Args map[string]any `json:"args,omitempty"`

	// OnSuccess tasks are enqueued after the task returns cleanly.
	OnSuccess []*TaskSpec `json:"on_success,omitempty"`

	// OnError tasks are enqueued with the normalized error once the task
	// fails for good. They are the cleanup path, not a retry.
	OnError []*TaskSpec `json:"on_error,omitempty"`
}

func (s *TaskSpec) Copy() *TaskSpec {
	if s == nil {
		return nil
	}
	raw, err := copystructure.Copy(s)
	if err != nil {
		panic(err)
	}
	return raw.(*TaskSpec)
}

// NewTaskSpec builds a spec for one task type.
func NewTaskSpec(taskType string, args map[string]any) *TaskSpec {
	return &TaskSpec{Type: taskType, Args: args}
}

// Then appends continuations to run on success, returning the spec for
// chaining.
func (s *TaskSpec) Then(next ...*TaskSpec) *TaskSpec {
	s.OnSuccess = append(s.OnSuccess, next...)
	return s
}

// Rescue appends error continuations, returning the spec for chaining.
func (s *TaskSpec) Rescue(handlers ...*TaskSpec) *TaskSpec {
	s.OnError = append(s.OnError, handlers...)
	return s
}

// Task is one queued unit of work. Tasks are durable: the queue writes them
// through to disk so an in-flight pipeline survives a restart.
type Task struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Args map[string]any `json:"args,omitempty"`

	State string `json:"state"`

	// Attempt counts deliveries of this task, starting at 1 for the first
	// run. Retry budgets compare against it.
	Attempt int `json:"attempt"`

	// NotBefore delays delivery until the wall clock passes it; zero means
	// deliver immediately. Retries with a delay park the task here.
	NotBefore int64 `json:"not_before,omitempty"`

	// ChordID ties the task to a fan-out barrier; the barrier's join runs
	// when every member has completed.
	ChordID string `json:"chord_id,omitempty"`

	OnSuccess []*TaskSpec `json:"on_success,omitempty"`
	OnError   []*TaskSpec `json:"on_error,omitempty"`

	// Error holds the last failure message for introspection.
	Error string `json:"error,omitempty"`

	CreateTime int64 `json:"create_time"`
	ModifyTime int64 `json:"modify_time"`
}

func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	raw, err := copystructure.Copy(t)
	if err != nil {
		panic(err)
	}
	return raw.(*Task)
}

// TerminalState reports whether the task is finished for good.
func (t *Task) TerminalState() bool {
	switch t.State {
	case TaskStateComplete, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// Chord is the barrier for a fan-out: Remaining counts members that have
// not completed yet, and Join is enqueued once it reaches zero. A failed
// member poisons the chord so the join never fires.
type Chord struct {
	ID        string    `json:"id"`
	Total     int       `json:"total"`
	Remaining int       `json:"remaining"`
	Failed    bool      `json:"failed"`
	Join      *TaskSpec `json:"join,omitempty"`

	CreateTime int64 `json:"create_time"`
	ModifyTime int64 `json:"modify_time"`
}

func (c *Chord) Copy() *Chord {
	if c == nil {
		return nil
	}
	raw, err := copystructure.Copy(c)
	if err != nil {
		panic(err)
	}
	return raw.(*Chord)
}

// RetryPolicy bounds how many deliveries a task type gets for recoverable
// failures and how long it parks between attempts. A zero policy means fail
// on the first error.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// Exhausted reports whether a task on the given delivery has no retries
// left. Attempts bounds total deliveries: a budget of 10 means the tenth
// failure is final.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.Attempts
}
