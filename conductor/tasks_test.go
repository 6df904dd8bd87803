// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/conductor/ci"
	"github.com/hashicorp/conductor/conductor/structs"
)

func TestEncodeDecodeDoc(t *testing.T) {
	ci.Parallel(t)

	git := &structs.GitInfo{Owner: "totem", Repo: "dashboard", Ref: "main", Commit: "c1", CommitSet: []string{"c1"}}
	doc, err := encodeDoc(git)
	must.NoError(t, err)
	must.Eq(t, "totem", doc["owner"])
	must.Eq(t, "c1", doc["commit"])

	got, err := decodeDoc[structs.GitInfo](map[string]any{"git": doc}, "git")
	must.NoError(t, err)
	must.Eq(t, git, got)
}

func TestDecodeDoc_Absent(t *testing.T) {
	ci.Parallel(t)

	got, err := decodeDoc[structs.GitInfo](map[string]any{}, "git")
	must.NoError(t, err)
	must.Nil(t, got)

	_, err = requireDoc[structs.GitInfo](map[string]any{}, "git")
	must.Error(t, err)
	var coded *structs.CodedError
	must.True(t, errors.As(err, &coded))
	must.Eq(t, structs.ErrCodeInternal, coded.Code)
}

func TestDecodeDoc_Malformed(t *testing.T) {
	ci.Parallel(t)

	_, err := decodeDoc[structs.GitInfo](map[string]any{"git": "not a document"}, "git")
	must.Error(t, err)
}

func TestDecodeDoc_AfterRestore(t *testing.T) {
	ci.Parallel(t)

	// Args restored from disk come back as generic JSON; decoding must not
	// care whether the task is fresh or restored.
	sig := &structs.HookSignal{
		Owner: "totem", Repo: "dashboard", Ref: "main", Commit: "c1",
		HookType: structs.HookTypeBuilder, HookName: "quay",
		Status:      structs.HookStatusSuccess,
		Result:      &structs.HookResult{DockerURL: "quay.io/totem/dashboard", DockerTags: []string{"v1"}},
		ForceDeploy: true,
	}
	sigDoc, err := encodeDoc(sig)
	must.NoError(t, err)

	spec := structs.NewTaskSpec(structs.TaskTypeProcessHook, map[string]any{"signal": sigDoc})
	raw, err := json.Marshal(spec)
	must.NoError(t, err)
	var back structs.TaskSpec
	must.NoError(t, json.Unmarshal(raw, &back))

	got, err := requireDoc[structs.HookSignal](back.Args, "signal")
	must.NoError(t, err)
	must.Eq(t, sig, got)
	must.Eq(t, "quay.io/totem/dashboard:v1", got.Image())
}

func TestArgHelpers(t *testing.T) {
	ci.Parallel(t)

	args := map[string]any{
		"s":       "x",
		"n":       7,
		"mixed":   []any{"a", "b", 3},
		"strings": []string{"a", "b"},
	}
	must.Eq(t, "x", argString(args, "s"))
	must.Eq(t, "", argString(args, "n"))
	must.Eq(t, "", argString(args, "missing"))
	must.Eq(t, []string{"a", "b"}, argStrings(args, "mixed"))
	must.Eq(t, []string{"a", "b"}, argStrings(args, "strings"))
	must.Nil(t, argStrings(args, "missing"))
}

func TestMetaFor(t *testing.T) {
	ci.Parallel(t)

	must.Nil(t, metaFor(nil, ""))
	must.Eq(t, map[string]any{"job-id": "job-1"}, metaFor(nil, "job-1"))

	git := &structs.GitInfo{Owner: "o", Repo: "r", Ref: "main", Commit: "c1"}

	// Before correlation there is no job to name.
	meta := metaFor(git, "")
	_, ok := meta["job-id"]
	must.False(t, ok)
	must.Eq(t, "o", meta["git"].(map[string]any)["owner"])

	meta = metaFor(git, "job-1")
	must.Eq(t, "job-1", meta["job-id"])
}

func TestNewTask(t *testing.T) {
	ci.Parallel(t)

	spec := structs.NewTaskSpec(structs.TaskTypeProcessHook, map[string]any{"k": "v"}).
		Then(structs.NewTaskSpec(structs.TaskTypeReleaseLock, nil)).
		Rescue(structs.NewTaskSpec(structs.TaskTypeJobError, nil))

	task := newTask(spec)
	must.NotEq(t, "", task.ID)
	must.Eq(t, structs.TaskTypeProcessHook, task.Type)
	must.Eq(t, structs.TaskStatePending, task.State)
	must.Len(t, 1, task.OnSuccess)
	must.Len(t, 1, task.OnError)

	// Tasks own their args; mutating one minted task leaves the spec alone.
	task.Args["k"] = "mutated"
	other := newTask(spec)
	must.Eq(t, "v", other.Args["k"])
	must.NotEq(t, task.ID, other.ID)
}
