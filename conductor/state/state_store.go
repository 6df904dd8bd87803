// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state provides the orchestrator's job, event and task storage:
// indexed in-memory tables with a write-through bolt file underneath, so a
// restart resumes with the same jobs and queue contents.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-uuid"
	bbolt "go.etcd.io/bbolt"

	"github.com/hashicorp/conductor/conductor/structs"
)

var (
	metaBucketName  = []byte("meta")
	jobBucketName   = []byte("jobs")
	eventBucketName = []byte("events")
	taskBucketName  = []byte("tasks")
	chordBucketName = []byte("chords")

	latestIndexKey = []byte("index")
)

// StateStoreConfig holds the knobs for opening a state store.
type StateStoreConfig struct {
	Logger hclog.Logger

	// Path is the bolt file backing the store.
	Path string

	// JobRetention bounds how long an untouched job survives. Every write
	// pushes the job's expiry out again.
	JobRetention time.Duration

	// EventRetention bounds how long events are kept.
	EventRetention time.Duration

	// TaskRetention bounds how long finished tasks and barriers linger for
	// introspection before the garbage collector sweeps them.
	TaskRetention time.Duration
}

// StateStore keeps jobs, events, tasks and chords in indexed memdb tables
// and mirrors every write into bolt. Reads are served from memory; the bolt
// file only matters at open time.
type StateStore struct {
	logger hclog.Logger
	config *StateStoreConfig
	db     *memdb.MemDB
	bdb    *bbolt.DB

	// writeLock serializes writers so the memory tables and the bolt file
	// advance in step.
	writeLock sync.Mutex

	// nextIndex is the next write index to stamp; restored from bolt.
	nextIndex uint64

	// nowFn is the clock, swappable in tests.
	nowFn func() time.Time
}

// NewStateStore opens the bolt file at config.Path, restores its contents
// into fresh memory tables and returns the ready store.
func NewStateStore(config *StateStoreConfig) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}

	bdb, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state file %q: %w", config.Path, err)
	}

	s := &StateStore{
		logger:    config.Logger.Named("state_store"),
		config:    config,
		db:        db,
		bdb:       bdb,
		nextIndex: 1,
		nowFn:     time.Now,
	}

	if err := s.restore(); err != nil {
		bdb.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the bolt file.
func (s *StateStore) Close() error {
	return s.bdb.Close()
}

// restore loads every bucket into the memory tables. Tasks that were
// running when the previous process died go back to pending so they are
// delivered again.
func (s *StateStore) restore() error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	restored := map[string]int{}
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{metaBucketName, jobBucketName, eventBucketName, taskBucketName, chordBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %q: %w", name, err)
			}
		}

		if raw := tx.Bucket(metaBucketName).Get(latestIndexKey); len(raw) == 8 {
			s.nextIndex = binary.BigEndian.Uint64(raw) + 1
		}

		if err := restoreBucket(tx, jobBucketName, func(job *structs.Job) error {
			restored[TableJobs]++
			return txn.Insert(TableJobs, job)
		}); err != nil {
			return err
		}
		if err := restoreBucket(tx, eventBucketName, func(event *structs.Event) error {
			restored[TableEvents]++
			return txn.Insert(TableEvents, event)
		}); err != nil {
			return err
		}
		// Tasks caught mid-flight by the previous shutdown go back to
		// pending for redelivery. The bucket rewrite happens after the
		// iteration; bolt forbids writes during ForEach.
		var interrupted []*structs.Task
		if err := restoreBucket(tx, taskBucketName, func(task *structs.Task) error {
			if task.State == structs.TaskStateRunning {
				task.State = structs.TaskStatePending
				interrupted = append(interrupted, task)
			}
			restored[TableTasks]++
			return txn.Insert(TableTasks, task)
		}); err != nil {
			return err
		}
		for _, task := range interrupted {
			if err := putJSON(tx.Bucket(taskBucketName), task.ID, task); err != nil {
				return err
			}
		}
		return restoreBucket(tx, chordBucketName, func(chord *structs.Chord) error {
			restored[TableChords]++
			return txn.Insert(TableChords, chord)
		})
	})
	if err != nil {
		return fmt.Errorf("state restore failed: %w", err)
	}

	txn.Commit()
	if len(restored) > 0 {
		s.logger.Info("restored state",
			"jobs", restored[TableJobs], "events", restored[TableEvents],
			"tasks", restored[TableTasks], "chords", restored[TableChords])
	}
	return nil
}

func restoreBucket[T any](tx *bbolt.Tx, bucket []byte, insert func(*T) error) error {
	return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		obj := new(T)
		if err := json.Unmarshal(v, obj); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", bucket, k, err)
		}
		return insert(obj)
	})
}

func putJSON(b *bbolt.Bucket, id string, obj any) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", id, err)
	}
	return b.Put([]byte(id), raw)
}

// commitWrite applies the staged memdb txn and its bolt mutations together.
// The bolt write lands first so a crash in between replays cleanly.
func (s *StateStore) commitWrite(txn *memdb.Txn, index uint64, persist func(tx *bbolt.Tx) error) error {
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		var idx [8]byte
		binary.BigEndian.PutUint64(idx[:], index)
		if err := tx.Bucket(metaBucketName).Put(latestIndexKey, idx[:]); err != nil {
			return err
		}
		return persist(tx)
	})
	if err != nil {
		return fmt.Errorf("state persist failed: %w", err)
	}
	txn.Commit()
	return nil
}

// UpsertJob writes a job, stamping times, write indexes and a fresh expiry.
// The returned job is the stamped copy; the argument is not mutated.
func (s *StateStore) UpsertJob(job *structs.Job) (*structs.Job, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	stamped := job.Copy()
	now := s.nowFn()
	index := s.nextIndex

	existing, err := txn.First(TableJobs, indexID, stamped.ID)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	if existing != nil {
		prev := existing.(*structs.Job)
		stamped.CreateIndex = prev.CreateIndex
		stamped.CreateTime = prev.CreateTime
	} else {
		stamped.CreateIndex = index
		stamped.CreateTime = now.UnixNano()
	}
	stamped.ModifyIndex = index
	stamped.ModifyTime = now.UnixNano()
	stamped.ExpireTime = now.Add(s.config.JobRetention).UnixNano()

	if err := txn.Insert(TableJobs, stamped); err != nil {
		return nil, fmt.Errorf("job insert failed: %w", err)
	}

	err = s.commitWrite(txn, index, func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(jobBucketName), stamped.ID, stamped)
	})
	if err != nil {
		return nil, err
	}
	s.nextIndex++
	return stamped.Copy(), nil
}

// JobByID returns a copy of the job or nil when unknown.
func (s *StateStore) JobByID(id string) (*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableJobs, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Job).Copy(), nil
}

// JobsByApp returns every job for the coordinates ordered by modify index,
// oldest first.
func (s *StateStore) JobsByApp(owner, repo, ref string) ([]*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TableJobs, indexApp, owner, repo, ref)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}

	var jobs []*structs.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		jobs = append(jobs, raw.(*structs.Job).Copy())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ModifyIndex < jobs[j].ModifyIndex })
	return jobs, nil
}

// ActiveJobByApp returns the single job still absorbing hooks for the
// coordinates, or nil. Should more than one active job exist the most
// recently modified wins; older actives are a correlation leak, not a
// reason to fail a webhook.
func (s *StateStore) ActiveJobByApp(owner, repo, ref string) (*structs.Job, error) {
	jobs, err := s.JobsByApp(owner, repo, ref)
	if err != nil {
		return nil, err
	}
	var active *structs.Job
	for _, job := range jobs {
		if job.Active() {
			active = job
		}
	}
	return active, nil
}

// UpdateJobState moves a job to the given state and stamps it like any
// other write.
func (s *StateStore) UpdateJobState(id, state string) (*structs.Job, error) {
	job, err := s.JobByID(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %q not found", id)
	}
	job.State = state
	return s.UpsertJob(job)
}

// AppendEvent writes one activity record. Details and meta are scrubbed so
// encrypted config values never reach the file.
func (s *StateStore) AppendEvent(eventType string, details, meta map[string]any) (*structs.Event, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("event id generation failed: %w", err)
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	now := s.nowFn()
	index := s.nextIndex
	event := &structs.Event{
		ID:         id,
		Type:       eventType,
		Component:  structs.EventComponent,
		Timestamp:  now.UnixNano(),
		ExpireTime: now.Add(s.config.EventRetention).UnixNano(),
		Index:      index,
	}
	if details != nil {
		if scrubbed, ok := structs.ScrubValue(details).(map[string]any); ok {
			event.Details = scrubbed
		} else {
			event.Details = details
		}
	}
	if meta != nil {
		if scrubbed, ok := structs.ScrubValue(meta).(map[string]any); ok {
			event.Meta = scrubbed
		}
	}

	if err := txn.Insert(TableEvents, event); err != nil {
		return nil, fmt.Errorf("event insert failed: %w", err)
	}

	err = s.commitWrite(txn, index, func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(eventBucketName), event.ID, event)
	})
	if err != nil {
		return nil, err
	}
	s.nextIndex++
	return event, nil
}

// Events returns every stored event in append order.
func (s *StateStore) Events() ([]*structs.Event, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TableEvents, indexOrder)
	if err != nil {
		return nil, fmt.Errorf("event lookup failed: %w", err)
	}
	var events []*structs.Event
	for raw := it.Next(); raw != nil; raw = it.Next() {
		events = append(events, raw.(*structs.Event))
	}
	return events, nil
}

// UpsertTask writes a queue task, stamping times on the copy it stores.
func (s *StateStore) UpsertTask(task *structs.Task) (*structs.Task, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	stamped := task.Copy()
	now := s.nowFn()
	index := s.nextIndex
	if stamped.CreateTime == 0 {
		stamped.CreateTime = now.UnixNano()
	}
	stamped.ModifyTime = now.UnixNano()

	if err := txn.Insert(TableTasks, stamped); err != nil {
		return nil, fmt.Errorf("task insert failed: %w", err)
	}

	err := s.commitWrite(txn, index, func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(taskBucketName), stamped.ID, stamped)
	})
	if err != nil {
		return nil, err
	}
	s.nextIndex++
	return stamped.Copy(), nil
}

// TaskByID returns a copy of the task or nil when unknown.
func (s *StateStore) TaskByID(id string) (*structs.Task, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableTasks, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("task lookup failed: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Task).Copy(), nil
}

// TasksByState returns copies of tasks in the state ordered by create time.
func (s *StateStore) TasksByState(state string) ([]*structs.Task, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TableTasks, indexState, state)
	if err != nil {
		return nil, fmt.Errorf("task lookup failed: %w", err)
	}
	var tasks []*structs.Task
	for raw := it.Next(); raw != nil; raw = it.Next() {
		tasks = append(tasks, raw.(*structs.Task).Copy())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreateTime < tasks[j].CreateTime })
	return tasks, nil
}

// UpsertChord writes a fan-out barrier.
func (s *StateStore) UpsertChord(chord *structs.Chord) (*structs.Chord, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	stamped := chord.Copy()
	now := s.nowFn()
	index := s.nextIndex
	if stamped.CreateTime == 0 {
		stamped.CreateTime = now.UnixNano()
	}
	stamped.ModifyTime = now.UnixNano()

	if err := txn.Insert(TableChords, stamped); err != nil {
		return nil, fmt.Errorf("chord insert failed: %w", err)
	}

	err := s.commitWrite(txn, index, func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(chordBucketName), stamped.ID, stamped)
	})
	if err != nil {
		return nil, err
	}
	s.nextIndex++
	return stamped.Copy(), nil
}

// ChordByID returns a copy of the chord or nil when unknown.
func (s *StateStore) ChordByID(id string) (*structs.Chord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(TableChords, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("chord lookup failed: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Chord).Copy(), nil
}

// ChordsReady returns copies of barriers whose counters reached zero
// without failing, so their joins still owe a run.
func (s *StateStore) ChordsReady() ([]*structs.Chord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(TableChords, indexID)
	if err != nil {
		return nil, fmt.Errorf("chord lookup failed: %w", err)
	}
	var ready []*structs.Chord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		chord := raw.(*structs.Chord)
		if chord.Remaining <= 0 && !chord.Failed {
			ready = append(ready, chord.Copy())
		}
	}
	return ready, nil
}

// DeleteChord removes a finished barrier.
func (s *StateStore) DeleteChord(id string) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableChords, indexID, id)
	if err != nil {
		return fmt.Errorf("chord lookup failed: %w", err)
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete(TableChords, raw); err != nil {
		return fmt.Errorf("chord delete failed: %w", err)
	}

	index := s.nextIndex
	err = s.commitWrite(txn, index, func(tx *bbolt.Tx) error {
		return tx.Bucket(chordBucketName).Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	s.nextIndex++
	return nil
}

// GCResult counts what one garbage collection pass removed.
type GCResult struct {
	Jobs   int
	Events int
	Tasks  int
	Chords int
}

// GC removes expired jobs and events plus finished tasks and barriers that
// outlived the task retention.
func (s *StateStore) GC(now time.Time) (GCResult, error) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()

	var res GCResult
	cutoff := now.UnixNano()
	taskCutoff := now.Add(-s.config.TaskRetention).UnixNano()

	var dropJobs []*structs.Job
	var dropEvents []*structs.Event
	var dropTasks []*structs.Task
	var dropChords []*structs.Chord

	it, err := txn.Get(TableJobs, indexExpires)
	if err != nil {
		return res, err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		job := raw.(*structs.Job)
		if job.ExpireTime > cutoff {
			break
		}
		dropJobs = append(dropJobs, job)
	}

	it, err = txn.Get(TableEvents, indexExpires)
	if err != nil {
		return res, err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		event := raw.(*structs.Event)
		if event.ExpireTime > cutoff {
			break
		}
		dropEvents = append(dropEvents, event)
	}

	it, err = txn.Get(TableTasks, indexID)
	if err != nil {
		return res, err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		task := raw.(*structs.Task)
		if task.TerminalState() && task.ModifyTime <= taskCutoff {
			dropTasks = append(dropTasks, task)
		}
	}

	it, err = txn.Get(TableChords, indexID)
	if err != nil {
		return res, err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		chord := raw.(*structs.Chord)
		if (chord.Failed || chord.Remaining <= 0) && chord.ModifyTime <= taskCutoff {
			dropChords = append(dropChords, chord)
		}
	}

	for _, job := range dropJobs {
		if err := txn.Delete(TableJobs, job); err != nil {
			return res, err
		}
	}
	for _, event := range dropEvents {
		if err := txn.Delete(TableEvents, event); err != nil {
			return res, err
		}
	}
	for _, task := range dropTasks {
		if err := txn.Delete(TableTasks, task); err != nil {
			return res, err
		}
	}
	for _, chord := range dropChords {
		if err := txn.Delete(TableChords, chord); err != nil {
			return res, err
		}
	}

	index := s.nextIndex
	err = s.commitWrite(txn, index, func(tx *bbolt.Tx) error {
		for _, job := range dropJobs {
			if err := tx.Bucket(jobBucketName).Delete([]byte(job.ID)); err != nil {
				return err
			}
		}
		for _, event := range dropEvents {
			if err := tx.Bucket(eventBucketName).Delete([]byte(event.ID)); err != nil {
				return err
			}
		}
		for _, task := range dropTasks {
			if err := tx.Bucket(taskBucketName).Delete([]byte(task.ID)); err != nil {
				return err
			}
		}
		for _, chord := range dropChords {
			if err := tx.Bucket(chordBucketName).Delete([]byte(chord.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	s.nextIndex++

	res = GCResult{
		Jobs:   len(dropJobs),
		Events: len(dropEvents),
		Tasks:  len(dropTasks),
		Chords: len(dropChords),
	}
	if res.Jobs+res.Events+res.Tasks+res.Chords > 0 {
		s.logger.Debug("garbage collected state",
			"jobs", res.Jobs, "events", res.Events, "tasks", res.Tasks, "chords", res.Chords)
	}
	return res, nil
}

// StateStats counts live objects per table.
type StateStats struct {
	Jobs   int
	Events int
	Tasks  int
	Chords int
}

// Stats counts the live objects in every table.
func (s *StateStore) Stats() (StateStats, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var stats StateStats
	counts := []struct {
		table string
		dst   *int
	}{
		{TableJobs, &stats.Jobs},
		{TableEvents, &stats.Events},
		{TableTasks, &stats.Tasks},
		{TableChords, &stats.Chords},
	}
	for _, c := range counts {
		it, err := txn.Get(c.table, indexID)
		if err != nil {
			return stats, err
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			*c.dst++
		}
	}
	return stats, nil
}

// Ping verifies the bolt file is still usable.
func (s *StateStore) Ping() error {
	return s.bdb.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(metaBucketName) == nil {
			return fmt.Errorf("state file missing meta bucket")
		}
		return nil
	})
}
