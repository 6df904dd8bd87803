// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/conductor/ci"
	"github.com/hashicorp/conductor/conductor/structs"
	"github.com/hashicorp/conductor/helper/testlog"
)

func testStateStore(t *testing.T) *StateStore {
	t.Helper()
	return testStateStoreAt(t, filepath.Join(t.TempDir(), "state.db"))
}

func testStateStoreAt(t *testing.T, path string) *StateStore {
	t.Helper()
	s, err := NewStateStore(&StateStoreConfig{
		Logger:         testlog.HCLogger(t),
		Path:           path,
		JobRetention:   4 * 7 * 24 * time.Hour,
		EventRetention: 90 * 24 * time.Hour,
		TaskRetention:  24 * time.Hour,
	})
	must.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mockJob() *structs.Job {
	j := &structs.Job{
		ID:    "job-1",
		State: structs.JobStateNew,
		Git: &structs.GitInfo{
			Owner: "totem", Repo: "dashboard", Ref: "main",
			Commit: "c1", CommitSet: []string{"c1"},
		},
		Config: &structs.AppConfig{
			Enabled: true,
			Deployers: map[string]*structs.Deployer{
				"primary": {Enabled: true, URL: "http://deployer"},
			},
			Hooks: map[string]map[string]*structs.HookConfig{
				structs.HookTypeCI:      {"travis": {Enabled: true}},
				structs.HookTypeBuilder: {"quay": {Enabled: true}},
			},
		},
	}
	j.ResetHooks()
	return j
}

func TestStateStore_UpsertJob(t *testing.T) {
	ci.Parallel(t)

	s := testStateStore(t)

	stamped, err := s.UpsertJob(mockJob())
	must.NoError(t, err)
	must.NonZero(t, stamped.CreateIndex)
	must.Eq(t, stamped.CreateIndex, stamped.ModifyIndex)
	must.NonZero(t, stamped.ExpireTime)

	got, err := s.JobByID("job-1")
	must.NoError(t, err)
	must.NotNil(t, got)
	must.Eq(t, structs.JobStateNew, got.State)
	must.Eq(t, "c1", got.Git.Commit)

	// A second write keeps the create index and advances the modify index.
	got.State = structs.JobStateScheduled
	again, err := s.UpsertJob(got)
	must.NoError(t, err)
	must.Eq(t, stamped.CreateIndex, again.CreateIndex)
	must.Greater(t, stamped.ModifyIndex, again.ModifyIndex)

	// The stored copy is isolated from later caller mutation.
	got.Git.Commit = "mutated"
	check, err := s.JobByID("job-1")
	must.NoError(t, err)
	must.Eq(t, "c1", check.Git.Commit)
}

func TestStateStore_ActiveJobByApp(t *testing.T) {
	ci.Parallel(t)

	s := testStateStore(t)

	// No jobs yet.
	active, err := s.ActiveJobByApp("totem", "dashboard", "main")
	must.NoError(t, err)
	must.Nil(t, active)

	// Terminal jobs never count as active.
	done := mockJob()
	done.ID = "job-done"
	done.State = structs.JobStateComplete
	_, err = s.UpsertJob(done)
	must.NoError(t, err)

	active, err = s.ActiveJobByApp("totem", "dashboard", "main")
	must.NoError(t, err)
	must.Nil(t, active)

	// One active job is found; other coordinates stay invisible.
	_, err = s.UpsertJob(mockJob())
	must.NoError(t, err)

	other := mockJob()
	other.ID = "job-other"
	other.Git.Ref = "develop"
	_, err = s.UpsertJob(other)
	must.NoError(t, err)

	active, err = s.ActiveJobByApp("totem", "dashboard", "main")
	must.NoError(t, err)
	must.NotNil(t, active)
	must.Eq(t, "job-1", active.ID)

	// With two actives the most recently modified wins.
	second := mockJob()
	second.ID = "job-2"
	_, err = s.UpsertJob(second)
	must.NoError(t, err)

	active, err = s.ActiveJobByApp("totem", "dashboard", "main")
	must.NoError(t, err)
	must.Eq(t, "job-2", active.ID)
}

func TestStateStore_UpdateJobState(t *testing.T) {
	ci.Parallel(t)

	s := testStateStore(t)
	_, err := s.UpsertJob(mockJob())
	must.NoError(t, err)

	updated, err := s.UpdateJobState("job-1", structs.JobStateFailed)
	must.NoError(t, err)
	must.Eq(t, structs.JobStateFailed, updated.State)

	_, err = s.UpdateJobState("nope", structs.JobStateFailed)
	must.Error(t, err)
}

func TestStateStore_AppendEvent(t *testing.T) {
	ci.Parallel(t)

	s := testStateStore(t)

	meta := map[string]any{"meta-info": map[string]any{"job-id": "job-1"}}
	_, err := s.AppendEvent(structs.EventTypeNewJob, nil, meta)
	must.NoError(t, err)
	_, err = s.AppendEvent(structs.EventTypeCallbackHook, map[string]any{"type": "ci", "name": "travis"}, meta)
	must.NoError(t, err)

	events, err := s.Events()
	must.NoError(t, err)
	must.Len(t, 2, events)
	must.Eq(t, structs.EventTypeNewJob, events[0].Type)
	must.Eq(t, structs.EventTypeCallbackHook, events[1].Type)
	must.Eq(t, structs.EventComponent, events[0].Component)
	must.Greater(t, events[0].Index, events[1].Index)
}

func TestStateStore_AppendEvent_Scrubs(t *testing.T) {
	ci.Parallel(t)

	s := testStateStore(t)

	details := map[string]any{
		"config": map[string]any{
			"token": map[string]any{"value": "hunter2", "encrypted": true},
			"plain": map[string]any{"value": "ok"},
		},
	}
	event, err := s.AppendEvent(structs.EventTypeJobNoop, details, nil)
	must.NoError(t, err)

	conf := event.Details["config"].(map[string]any)
	must.Eq(t, "", conf["token"])
	must.Eq(t, "ok", conf["plain"])
}

func TestStateStore_Tasks(t *testing.T) {
	ci.Parallel(t)

	s := testStateStore(t)

	task := &structs.Task{
		ID:      "task-1",
		Type:    structs.TaskTypeProcessHook,
		State:   structs.TaskStatePending,
		Attempt: 1,
		Args:    map[string]any{"job_id": "job-1"},
	}
	_, err := s.UpsertTask(task)
	must.NoError(t, err)

	got, err := s.TaskByID("task-1")
	must.NoError(t, err)
	must.NotNil(t, got)
	must.Eq(t, structs.TaskTypeProcessHook, got.Type)
	must.NonZero(t, got.CreateTime)

	pending, err := s.TasksByState(structs.TaskStatePending)
	must.NoError(t, err)
	must.Len(t, 1, pending)

	got.State = structs.TaskStateComplete
	_, err = s.UpsertTask(got)
	must.NoError(t, err)

	pending, err = s.TasksByState(structs.TaskStatePending)
	must.NoError(t, err)
	must.Len(t, 0, pending)
}

func TestStateStore_Restore(t *testing.T) {
	ci.Parallel(t)

	path := filepath.Join(t.TempDir(), "state.db")
	s := testStateStoreAt(t, path)

	_, err := s.UpsertJob(mockJob())
	must.NoError(t, err)
	_, err = s.AppendEvent(structs.EventTypeNewJob, nil, nil)
	must.NoError(t, err)

	// One pending and one in-flight task at shutdown time.
	for _, task := range []*structs.Task{
		{ID: "task-pending", Type: structs.TaskTypeNotify, State: structs.TaskStatePending, Attempt: 1},
		{ID: "task-running", Type: structs.TaskTypeProcessHook, State: structs.TaskStateRunning, Attempt: 1},
	} {
		_, err = s.UpsertTask(task)
		must.NoError(t, err)
	}
	_, err = s.UpsertChord(&structs.Chord{ID: "chord-1", Total: 2, Remaining: 1})
	must.NoError(t, err)

	before, err := s.Events()
	must.NoError(t, err)
	must.NoError(t, s.Close())

	reopened := testStateStoreAt(t, path)

	job, err := reopened.JobByID("job-1")
	must.NoError(t, err)
	must.NotNil(t, job)

	events, err := reopened.Events()
	must.NoError(t, err)
	must.Len(t, len(before), events)

	// The running task came back pending for redelivery.
	pending, err := reopened.TasksByState(structs.TaskStatePending)
	must.NoError(t, err)
	must.Len(t, 2, pending)

	chord, err := reopened.ChordByID("chord-1")
	must.NoError(t, err)
	must.NotNil(t, chord)
	must.Eq(t, 1, chord.Remaining)

	// New writes pick up indexes beyond anything restored.
	event, err := reopened.AppendEvent(structs.EventTypeJobComplete, nil, nil)
	must.NoError(t, err)
	must.Greater(t, job.ModifyIndex, event.Index)
}

func TestStateStore_GC(t *testing.T) {
	ci.Parallel(t)

	s := testStateStore(t)

	now := time.Now()
	s.nowFn = func() time.Time { return now }

	_, err := s.UpsertJob(mockJob())
	must.NoError(t, err)
	_, err = s.AppendEvent(structs.EventTypeNewJob, nil, nil)
	must.NoError(t, err)
	_, err = s.UpsertTask(&structs.Task{ID: "task-done", Type: structs.TaskTypeNotify, State: structs.TaskStateComplete})
	must.NoError(t, err)
	_, err = s.UpsertTask(&structs.Task{ID: "task-live", Type: structs.TaskTypeNotify, State: structs.TaskStatePending})
	must.NoError(t, err)

	// Nothing is old enough yet.
	res, err := s.GC(now)
	must.NoError(t, err)
	must.Eq(t, GCResult{}, res)

	// Jump past the job retention: everything idle goes.
	res, err = s.GC(now.Add(4*7*24*time.Hour + time.Hour))
	must.NoError(t, err)
	must.Eq(t, 1, res.Jobs)
	must.Eq(t, 0, res.Events)
	must.Eq(t, 1, res.Tasks)

	job, err := s.JobByID("job-1")
	must.NoError(t, err)
	must.Nil(t, job)

	// The pending task survived.
	tasks, err := s.TasksByState(structs.TaskStatePending)
	must.NoError(t, err)
	must.Len(t, 1, tasks)

	// Events outlive jobs; they go once their own retention lapses.
	res, err = s.GC(now.Add(90*24*time.Hour + time.Hour))
	must.NoError(t, err)
	must.Eq(t, 1, res.Events)
}

func TestStateStore_Stats(t *testing.T) {
	ci.Parallel(t)

	s := testStateStore(t)
	_, err := s.UpsertJob(mockJob())
	must.NoError(t, err)
	_, err = s.AppendEvent(structs.EventTypeNewJob, nil, nil)
	must.NoError(t, err)

	stats, err := s.Stats()
	must.NoError(t, err)
	must.Eq(t, 1, stats.Jobs)
	must.Eq(t, 1, stats.Events)
	must.Eq(t, 0, stats.Tasks)

	must.NoError(t, s.Ping())
}
