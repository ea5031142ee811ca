package reconcile

import (
	"context"
	"fmt"

	"fleetagent/internal/state"
)

// Persister stores the contents of a named queue.
type Persister interface {
	SaveQueue(ctx context.Context, queue string, items []state.QueuedOperation) error
}

// WorkQueue is an ordered queue consumed from the front. A failed item stays
// at the front until it succeeds or is explicitly dropped.
type WorkQueue struct {
	name    string
	items   []Operation
	persist Persister
}

// NewWorkQueue returns an empty queue that saves itself through p.
func NewWorkQueue(name string, p Persister) *WorkQueue {
	return &WorkQueue{name: name, persist: p}
}

// Name returns the queue name.
func (q *WorkQueue) Name() string { return q.name }

// Len returns the number of pending operations.
func (q *WorkQueue) Len() int { return len(q.items) }

// Items returns a copy of the pending operations.
func (q *WorkQueue) Items() []Operation {
	return append([]Operation(nil), q.items...)
}

// Peek returns the front operation without removing it.
func (q *WorkQueue) Peek() (Operation, bool) {
	if len(q.items) == 0 {
		return Operation{}, false
	}
	return q.items[0], true
}

// Replace swaps the whole queue contents.
func (q *WorkQueue) Replace(ctx context.Context, ops []Operation) error {
	q.items = append([]Operation(nil), ops...)
	return q.save(ctx)
}

// Drop removes the front operation.
func (q *WorkQueue) Drop(ctx context.Context) error {
	if len(q.items) == 0 {
		return nil
	}
	q.items = q.items[1:]
	return q.save(ctx)
}

// MarkFailed increments the attempt counter of the front operation, which
// stays in place.
func (q *WorkQueue) MarkFailed(ctx context.Context) error {
	if len(q.items) == 0 {
		return nil
	}
	q.items[0].Attempts++
	return q.save(ctx)
}

// Restore loads persisted items without saving them back.
func (q *WorkQueue) Restore(items []state.QueuedOperation) error {
	ops := make([]Operation, 0, len(items))
	for _, item := range items {
		op, err := FromQueued(item)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	q.items = ops
	return nil
}

func (q *WorkQueue) save(ctx context.Context) error {
	if q.persist == nil {
		return nil
	}
	items := make([]state.QueuedOperation, 0, len(q.items))
	for _, op := range q.items {
		item, err := op.ToQueued()
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	if err := q.persist.SaveQueue(ctx, q.name, items); err != nil {
		return fmt.Errorf("persist %s queue: %w", q.name, err)
	}
	return nil
}
