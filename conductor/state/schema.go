// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"bytes"
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/conductor/conductor/structs"
)

const (
	TableJobs   = "jobs"
	TableEvents = "events"
	TableTasks  = "tasks"
	TableChords = "chords"
)

const (
	indexID      = "id"
	indexApp     = "app"
	indexState   = "state"
	indexExpires = "expires"
	indexOrder   = "order"
)

// stateStoreSchema returns the schema for the in-memory tables.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	schemas := []func() *memdb.TableSchema{
		jobTableSchema,
		eventTableSchema,
		taskTableSchema,
		chordTableSchema,
	}

	for _, fn := range schemas {
		schema := fn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// jobTableSchema returns the MemDB schema for the jobs table. Jobs are
// primarily looked up by id and by their application coordinates.
func jobTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableJobs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexApp: {
				Name:         indexApp,
				AllowMissing: false,
				Unique:       false,
				Indexer:      &JobAppIndex{},
			},
			indexExpires: {
				Name:         indexExpires,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.IntFieldIndex{
					Field: "ExpireTime",
				},
			},
		},
	}
}

// eventTableSchema returns the MemDB schema for the events table. The order
// index gives a total append order even when timestamps collide.
func eventTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableEvents,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexOrder: {
				Name:         indexOrder,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UintFieldIndex{
					Field: "Index",
				},
			},
			indexExpires: {
				Name:         indexExpires,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.IntFieldIndex{
					Field: "ExpireTime",
				},
			},
		},
	}
}

// taskTableSchema returns the MemDB schema for the durable task queue.
func taskTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableTasks,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexState: {
				Name:         indexState,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "State",
				},
			},
		},
	}
}

// chordTableSchema returns the MemDB schema for fan-out barriers.
func chordTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableChords,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
		},
	}
}

// JobAppIndex indexes jobs by their (owner, repo, ref) coordinates.
type JobAppIndex struct{}

func (JobAppIndex) FromObject(obj interface{}) (bool, []byte, error) {
	job, ok := obj.(*structs.Job)
	if !ok {
		return false, nil, fmt.Errorf("object %T is not a job", obj)
	}
	if job.Git == nil {
		return false, nil, nil
	}
	return true, appIndexKey(job.Git.Owner, job.Git.Repo, job.Git.Ref), nil
}

func (JobAppIndex) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("must provide owner, repo and ref")
	}
	parts := make([]string, 3)
	for i, arg := range args {
		s, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("argument %d is not a string", i)
		}
		parts[i] = s
	}
	return appIndexKey(parts[0], parts[1], parts[2]), nil
}

func appIndexKey(owner, repo, ref string) []byte {
	var b bytes.Buffer
	for _, part := range []string{owner, repo, ref} {
		b.WriteString(part)
		b.WriteByte(0)
	}
	return b.Bytes()
}
