// Package queue is the per-user ingest queue. Items are appended in order,
// claimed as a whole by a processing run, and either committed (deleted) or
// released back in their original order when the run fails.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/storage"
)

// Policy decides what a drain does with items still waiting for an answer.
type Policy string

const (
	// IncludePending drains pending items too; their questions are discarded
	// together with the items when the run commits.
	IncludePending Policy = "process"
	// DeferPending leaves pending items and their questions for a later run.
	DeferPending Policy = "defer"
)

// ParsePolicy validates a configured pending policy. Empty means IncludePending.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", IncludePending:
		return IncludePending, nil
	case DeferPending:
		return DeferPending, nil
	}
	return "", fmt.Errorf("unknown pending policy %q (want %q or %q)", s, IncludePending, DeferPending)
}

// Store is the persistence the queue needs.
type Store interface {
	EnqueueItem(it note.Item) (int64, error)
	CountItems(userID string) (storage.ItemCounts, error)
	ClaimItems(userID, runID string, skipPending bool) ([]note.Item, error)
	CompleteClaim(userID, runID, lastDocID string) (int, error)
	ReleaseClaim(runID string) (int, error)
	ClearQueued(userID string) (items, questions int, err error)
}

// Queue is the ingest queue of a single user.
type Queue struct {
	store  Store
	userID string
	now    func() time.Time
}

// New returns the queue of userID.
func New(store Store, userID string) *Queue {
	return &Queue{store: store, userID: userID, now: time.Now}
}

// Enqueue appends payload tagged with partition and returns its sequence id.
func (q *Queue) Enqueue(ctx context.Context, partition note.Partition, payload note.Payload) (note.Item, error) {
	if err := ctx.Err(); err != nil {
		return note.Item{}, err
	}
	if err := payload.Validate(); err != nil {
		return note.Item{}, err
	}
	if _, err := note.ParsePartition(string(partition)); err != nil {
		return note.Item{}, err
	}

	it := note.Item{
		UserID:        q.userID,
		Payload:       payload,
		Partition:     partition,
		CreatedAt:     q.now(),
		Clarification: note.ClarificationNone,
	}
	seq, err := q.store.EnqueueItem(it)
	if err != nil {
		return note.Item{}, fmt.Errorf("enqueueing item: %w", err)
	}
	it.Seq = seq
	return it, nil
}

// Size returns the counts of the current, undrained epoch.
func (q *Queue) Size(ctx context.Context) (storage.ItemCounts, error) {
	if err := ctx.Err(); err != nil {
		return storage.ItemCounts{}, err
	}
	c, err := q.store.CountItems(q.userID)
	if err != nil {
		return storage.ItemCounts{}, fmt.Errorf("counting items: %w", err)
	}
	return c, nil
}

// Drain claims every queued item for runID and returns them in insertion order.
func (q *Queue) Drain(ctx context.Context, runID string, policy Policy) ([]note.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := q.store.ClaimItems(q.userID, runID, policy == DeferPending)
	if err != nil {
		return nil, fmt.Errorf("draining queue: %w", err)
	}
	return items, nil
}

// Commit deletes the items claimed by runID and records lastDocID as the
// newest identifier issued to this user.
func (q *Queue) Commit(ctx context.Context, runID, lastDocID string) (int, error) {
	n, err := q.store.CompleteClaim(q.userID, runID, lastDocID)
	if err != nil {
		return 0, fmt.Errorf("committing run %s: %w", runID, err)
	}
	return n, nil
}

// Release returns the items claimed by runID to the queue.
func (q *Queue) Release(ctx context.Context, runID string) (int, error) {
	n, err := q.store.ReleaseClaim(runID)
	if err != nil {
		return 0, fmt.Errorf("releasing run %s: %w", runID, err)
	}
	return n, nil
}

// Clear discards every queued item and its question. Items claimed by a
// run in flight are not touched.
func (q *Queue) Clear(ctx context.Context) (items, questions int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	items, questions, err = q.store.ClearQueued(q.userID)
	if err != nil {
		return 0, 0, fmt.Errorf("clearing queue: %w", err)
	}
	return items, questions, nil
}
