// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package conductor

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/conductor/conductor/state"
	"github.com/hashicorp/conductor/conductor/structs"
)

// ChordTracker tracks fan-out barriers. Every branch task of a fan-out
// carries the chord id; when the last branch completes the join task is
// enqueued exactly once. A branch that fails for good poisons the chord so
// the join never runs. Barriers are durable, and Sweep fires any join a
// crash left behind after the counter had already reached zero.
type ChordTracker struct {
	logger hclog.Logger
	store  *state.StateStore
	broker *TaskBroker

	l sync.Mutex
}

func NewChordTracker(logger hclog.Logger, store *state.StateStore, broker *TaskBroker) *ChordTracker {
	return &ChordTracker{
		logger: logger.Named("chord"),
		store:  store,
		broker: broker,
	}
}

// Start registers a barrier over total branches whose join runs after all
// of them complete. Callers stamp the returned chord's id onto the branch
// tasks before enqueueing them.
func (c *ChordTracker) Start(total int, join *structs.TaskSpec) (*structs.Chord, error) {
	if total <= 0 {
		return nil, fmt.Errorf("chord needs at least one branch")
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("chord id generation failed: %w", err)
	}
	chord := &structs.Chord{
		ID:        id,
		Total:     total,
		Remaining: total,
		Join:      join.Copy(),
	}
	return c.store.UpsertChord(chord)
}

// Complete records one finished branch, firing the join when it was the
// last one.
func (c *ChordTracker) Complete(chordID string) error {
	c.l.Lock()
	defer c.l.Unlock()

	chord, err := c.store.ChordByID(chordID)
	if err != nil {
		return err
	}
	if chord == nil {
		return fmt.Errorf("chord %q not found", chordID)
	}

	chord.Remaining--
	if chord.Remaining < 0 {
		c.logger.Warn("chord over-completed", "chord_id", chordID)
		chord.Remaining = 0
	}
	if _, err := c.store.UpsertChord(chord); err != nil {
		return err
	}

	if chord.Remaining == 0 && !chord.Failed {
		return c.fire(chord)
	}
	return nil
}

// Fault poisons the barrier after a branch failed for good. The join never
// fires; the failure path owns any cleanup.
func (c *ChordTracker) Fault(chordID string) error {
	c.l.Lock()
	defer c.l.Unlock()

	chord, err := c.store.ChordByID(chordID)
	if err != nil {
		return err
	}
	if chord == nil {
		return fmt.Errorf("chord %q not found", chordID)
	}
	if chord.Failed {
		return nil
	}
	chord.Failed = true
	_, err = c.store.UpsertChord(chord)
	return err
}

// fire enqueues the join and drops the barrier. Callers hold the lock.
func (c *ChordTracker) fire(chord *structs.Chord) error {
	if chord.Join != nil {
		task := newTask(chord.Join)
		if err := c.broker.Enqueue(task); err != nil {
			return fmt.Errorf("enqueueing chord join: %w", err)
		}
		c.logger.Debug("chord complete, join enqueued", "chord_id", chord.ID, "join_type", chord.Join.Type)
	}
	return c.store.DeleteChord(chord.ID)
}

// Sweep fires joins whose counters already reached zero, catching barriers
// orphaned by a crash between the last completion and the join enqueue.
// Returns how many joins fired.
func (c *ChordTracker) Sweep() (int, error) {
	c.l.Lock()
	defer c.l.Unlock()

	fired := 0
	chords, err := c.store.ChordsReady()
	if err != nil {
		return 0, err
	}
	for _, chord := range chords {
		if err := c.fire(chord); err != nil {
			return fired, err
		}
		fired++
	}
	return fired, nil
}
