package state

import (
	"context"
	"fmt"
	"time"
)

// RecordFault appends an uncaught-fault entry.
func (s *Store) RecordFault(ctx context.Context, reason string) error {
	return s.exec(ctx, "INSERT INTO faults (occurred_at, reason) VALUES (?, ?)",
		s.timestamp(), nullableString(reason))
}

// CountFaultsSince counts faults recorded at or after since.
func (s *Store) CountFaultsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT COUNT(*) FROM faults WHERE occurred_at >= ?",
		formatTimestamp(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count faults: %w", err)
	}
	return count, nil
}

// ClearFaults deletes the fault log.
func (s *Store) ClearFaults(ctx context.Context) error {
	return s.exec(ctx, "DELETE FROM faults")
}
