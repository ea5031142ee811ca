package state

import (
	"context"
	"database/sql"
	"fmt"
)

// Queue names of the persisted work queues.
const (
	QueueFiles = "files"
	QueueApps  = "apps"
)

// QueuedOperation is the persisted form of one pending operation. Payload is
// the JSON encoding of the directive the operation acts on.
type QueuedOperation struct {
	Kind     string `json:"kind"`
	Identity string `json:"identity"`
	Payload  []byte `json:"payload"`
	Attempts int    `json:"attempts"`
}

// SaveQueue replaces the stored contents of queue with items, in order.
func (s *Store) SaveQueue(ctx context.Context, queue string, items []QueuedOperation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ctx := ensureContext(ctx)
		if _, err := tx.ExecContext(ctx, "DELETE FROM work_queue WHERE queue = ?", queue); err != nil {
			return fmt.Errorf("clear queue %s: %w", queue, err)
		}
		for i, item := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO work_queue (queue, position, kind, identity, payload, attempts)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				queue, i, item.Kind, item.Identity, string(item.Payload), item.Attempts,
			); err != nil {
				return fmt.Errorf("insert queue %s item %d: %w", queue, i, err)
			}
		}
		return nil
	})
}

// LoadQueue returns the stored contents of queue in execution order.
func (s *Store) LoadQueue(ctx context.Context, queue string) ([]QueuedOperation, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT kind, identity, payload, attempts FROM work_queue WHERE queue = ? ORDER BY position", queue)
	if err != nil {
		return nil, fmt.Errorf("load queue %s: %w", queue, err)
	}
	defer rows.Close()

	var items []QueuedOperation
	for rows.Next() {
		var (
			item    QueuedOperation
			payload string
		)
		if err := rows.Scan(&item.Kind, &item.Identity, &payload, &item.Attempts); err != nil {
			return nil, fmt.Errorf("scan queue %s: %w", queue, err)
		}
		item.Payload = []byte(payload)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClearQueues empties both work queues.
func (s *Store) ClearQueues(ctx context.Context) error {
	return s.exec(ctx, "DELETE FROM work_queue")
}
