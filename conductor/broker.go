// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/conductor/conductor/state"
	"github.com/hashicorp/conductor/conductor/structs"
)

var (
	// ErrNotOutstanding is returned if an ack, nack or fail names a task
	// that is not outstanding.
	ErrNotOutstanding = errors.New("task is not outstanding")

	// ErrTokenMismatch is returned if a token does not match the token of
	// the outstanding delivery.
	ErrTokenMismatch = errors.New("token does not match outstanding token")
)

// TaskBroker is the durable delivery queue between the inbound surface and
// the workers. Every enqueued task is written through the state store, so a
// restart re-delivers anything that had not been acked. Deliveries hand out
// a token; only the holder may ack, nack or fail the task.
type TaskBroker struct {
	logger hclog.Logger
	store  *state.StateStore

	enabled bool

	// ready is the FIFO delivery order of runnable task ids.
	ready []string

	// tasks holds the broker's view of every tracked task.
	tasks map[string]*structs.Task

	// unack maps task id to the delivery token a worker holds.
	unack map[string]string

	// timeWait holds the timers parking delayed tasks.
	timeWait map[string]*time.Timer

	// waitCh is closed and replaced whenever a task becomes runnable so
	// blocked dequeues wake up.
	waitCh chan struct{}

	stats *BrokerStats

	l sync.RWMutex
}

// BrokerStats returns all the stats about the broker.
type BrokerStats struct {
	TotalReady   int
	TotalUnacked int
	TotalDelayed int
	ByType       map[string]*TypeStats
}

// TypeStats returns the stats per task type.
type TypeStats struct {
	Ready   int
	Unacked int
}

// NewTaskBroker creates a broker on top of the state store. The broker
// starts disabled; nothing is delivered until SetEnabled(true).
func NewTaskBroker(logger hclog.Logger, store *state.StateStore) *TaskBroker {
	b := &TaskBroker{
		logger:   logger.Named("task_broker"),
		store:    store,
		enabled:  false,
		ready:    nil,
		tasks:    make(map[string]*structs.Task),
		unack:    make(map[string]string),
		timeWait: make(map[string]*time.Timer),
		waitCh:   make(chan struct{}),
		stats:    new(BrokerStats),
	}
	b.stats.ByType = make(map[string]*TypeStats)
	return b
}

// Enabled reports whether the broker is delivering tasks.
func (b *TaskBroker) Enabled() bool {
	b.l.RLock()
	defer b.l.RUnlock()
	return b.enabled
}

// SetEnabled turns delivery on or off. Disabling flushes the in-memory
// queue and stops delay timers; durable task rows are untouched, so a later
// enable restores and re-delivers them.
func (b *TaskBroker) SetEnabled(enabled bool) {
	b.l.Lock()
	defer b.l.Unlock()
	if b.enabled == enabled {
		return
	}
	b.enabled = enabled
	if !enabled {
		b.flushLocked()
	}
}

func (b *TaskBroker) flushLocked() {
	for id, timer := range b.timeWait {
		timer.Stop()
		delete(b.timeWait, id)
	}
	b.ready = nil
	b.tasks = make(map[string]*structs.Task)
	b.unack = make(map[string]string)
	b.broadcastLocked()
}

// Restore re-queues every durable task that was pending or caught running
// at a shutdown. Only call with no deliveries outstanding.
func (b *TaskBroker) Restore() error {
	pending, err := b.store.TasksByState(structs.TaskStatePending)
	if err != nil {
		return fmt.Errorf("restoring pending tasks: %w", err)
	}
	running, err := b.store.TasksByState(structs.TaskStateRunning)
	if err != nil {
		return fmt.Errorf("restoring running tasks: %w", err)
	}

	for _, task := range running {
		task.State = structs.TaskStatePending
		if _, err := b.store.UpsertTask(task); err != nil {
			return err
		}
	}

	restored := 0
	for _, task := range append(pending, running...) {
		if err := b.Enqueue(task); err != nil {
			return err
		}
		restored++
	}
	if restored > 0 {
		b.logger.Info("restored queued tasks", "count", restored)
	}
	return nil
}

// Enqueue accepts a task for delivery and persists it. Re-enqueueing a task
// id the broker already tracks is a no-op.
func (b *TaskBroker) Enqueue(task *structs.Task) error {
	b.l.Lock()
	defer b.l.Unlock()
	return b.enqueueLocked(task)
}

func (b *TaskBroker) enqueueLocked(task *structs.Task) error {
	if task.ID == "" {
		return fmt.Errorf("cannot enqueue task without an id")
	}
	if _, ok := b.tasks[task.ID]; ok {
		return nil
	}

	if task.Attempt == 0 {
		task.Attempt = 1
	}
	task.State = structs.TaskStatePending
	stored, err := b.store.UpsertTask(task)
	if err != nil {
		return fmt.Errorf("persisting task %q: %w", task.ID, err)
	}
	b.tasks[stored.ID] = stored

	if wait := time.Until(time.Unix(0, stored.NotBefore)); stored.NotBefore > 0 && wait > 0 {
		b.timeWait[stored.ID] = time.AfterFunc(wait, func() {
			b.enqueueWaiting(stored.ID)
		})
		return nil
	}

	b.ready = append(b.ready, stored.ID)
	b.broadcastLocked()
	return nil
}

// enqueueWaiting moves a delayed task into the ready queue once its timer
// fires.
func (b *TaskBroker) enqueueWaiting(id string) {
	b.l.Lock()
	defer b.l.Unlock()

	delete(b.timeWait, id)
	if _, ok := b.tasks[id]; !ok {
		return
	}
	b.ready = append(b.ready, id)
	b.broadcastLocked()
}

func (b *TaskBroker) broadcastLocked() {
	close(b.waitCh)
	b.waitCh = make(chan struct{})
}

// Dequeue returns the next runnable task of one of the given types plus the
// delivery token, blocking up to timeout. A nil task without error means
// the timeout lapsed.
func (b *TaskBroker) Dequeue(types []string, timeout time.Duration) (*structs.Task, string, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	for {
		// Snapshot the wake channel before scanning so an enqueue landing
		// between the scan and the select still wakes this call.
		b.l.RLock()
		waitCh := b.waitCh
		b.l.RUnlock()

		task, token, err := b.scan(typeSet)
		if err != nil || task != nil {
			return task, token, err
		}

		select {
		case <-waitCh:
		case <-timeoutCh:
			return nil, "", nil
		}
	}
}

func (b *TaskBroker) scan(types map[string]struct{}) (*structs.Task, string, error) {
	b.l.Lock()
	defer b.l.Unlock()

	if !b.enabled {
		return nil, "", nil
	}

	for i, id := range b.ready {
		task, ok := b.tasks[id]
		if !ok {
			continue
		}
		if _, want := types[task.Type]; !want {
			continue
		}

		b.ready = append(b.ready[:i], b.ready[i+1:]...)

		token, err := uuid.GenerateUUID()
		if err != nil {
			return nil, "", fmt.Errorf("token generation failed: %w", err)
		}

		task.State = structs.TaskStateRunning
		stored, err := b.store.UpsertTask(task)
		if err != nil {
			return nil, "", fmt.Errorf("persisting delivery of %q: %w", id, err)
		}
		b.tasks[id] = stored
		b.unack[id] = token

		metrics.IncrCounter([]string{"conductor", "broker", "dequeue", task.Type}, 1)
		return stored.Copy(), token, nil
	}
	return nil, "", nil
}

// Outstanding returns the token of an in-flight delivery.
func (b *TaskBroker) Outstanding(taskID string) (string, bool) {
	b.l.RLock()
	defer b.l.RUnlock()
	token, ok := b.unack[taskID]
	return token, ok
}

func (b *TaskBroker) verifyLocked(taskID, token string) (*structs.Task, error) {
	held, ok := b.unack[taskID]
	if !ok {
		return nil, ErrNotOutstanding
	}
	if held != token {
		return nil, ErrTokenMismatch
	}
	task, ok := b.tasks[taskID]
	if !ok {
		return nil, ErrNotOutstanding
	}
	return task, nil
}

// Ack marks an outstanding task complete and drops it from the queue.
func (b *TaskBroker) Ack(taskID, token string) error {
	b.l.Lock()
	defer b.l.Unlock()

	task, err := b.verifyLocked(taskID, token)
	if err != nil {
		return err
	}

	task.State = structs.TaskStateComplete
	task.Error = ""
	if _, err := b.store.UpsertTask(task); err != nil {
		return fmt.Errorf("persisting ack of %q: %w", taskID, err)
	}
	delete(b.unack, taskID)
	delete(b.tasks, taskID)
	return nil
}

// Nack returns an outstanding task to the queue for another attempt,
// parking it for delay first when one is given.
func (b *TaskBroker) Nack(taskID, token string, delay time.Duration) error {
	b.l.Lock()
	defer b.l.Unlock()

	task, err := b.verifyLocked(taskID, token)
	if err != nil {
		return err
	}
	delete(b.unack, taskID)
	delete(b.tasks, taskID)

	task.Attempt++
	task.State = structs.TaskStatePending
	if delay > 0 {
		task.NotBefore = time.Now().Add(delay).UnixNano()
	} else {
		task.NotBefore = 0
	}
	return b.enqueueLocked(task)
}

// Fail marks an outstanding task failed for good and drops it.
func (b *TaskBroker) Fail(taskID, token string, cause error) error {
	b.l.Lock()
	defer b.l.Unlock()

	task, err := b.verifyLocked(taskID, token)
	if err != nil {
		return err
	}

	task.State = structs.TaskStateFailed
	if cause != nil {
		task.Error = cause.Error()
	}
	if _, err := b.store.UpsertTask(task); err != nil {
		return fmt.Errorf("persisting failure of %q: %w", taskID, err)
	}
	delete(b.unack, taskID)
	delete(b.tasks, taskID)
	metrics.IncrCounter([]string{"conductor", "broker", "failed", task.Type}, 1)
	return nil
}

// Stats is used to query the state of the broker.
func (b *TaskBroker) Stats() *BrokerStats {
	stats := &BrokerStats{ByType: make(map[string]*TypeStats)}

	b.l.RLock()
	defer b.l.RUnlock()

	typeStats := func(taskType string) *TypeStats {
		ts, ok := stats.ByType[taskType]
		if !ok {
			ts = new(TypeStats)
			stats.ByType[taskType] = ts
		}
		return ts
	}

	for _, id := range b.ready {
		if task, ok := b.tasks[id]; ok {
			stats.TotalReady++
			typeStats(task.Type).Ready++
		}
	}
	for id := range b.unack {
		stats.TotalUnacked++
		if task, ok := b.tasks[id]; ok {
			typeStats(task.Type).Unacked++
		}
	}
	stats.TotalDelayed = len(b.timeWait)
	return stats
}

// EmitStats publishes broker gauges until stopCh closes.
func (b *TaskBroker) EmitStats(period time.Duration, stopCh <-chan struct{}) {
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			timer.Reset(period)
			stats := b.Stats()
			metrics.SetGauge([]string{"conductor", "broker", "total_ready"}, float32(stats.TotalReady))
			metrics.SetGauge([]string{"conductor", "broker", "total_unacked"}, float32(stats.TotalUnacked))
			metrics.SetGauge([]string{"conductor", "broker", "total_delayed"}, float32(stats.TotalDelayed))
		case <-stopCh:
			return
		}
	}
}
