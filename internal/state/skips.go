package state

import (
	"context"
	"fmt"
)

// RecordSkip excludes identity in queue from diffs computed for revision.
func (s *Store) RecordSkip(ctx context.Context, queue, identity, revision, reason string) error {
	return s.exec(ctx,
		`INSERT INTO skipped_directives (queue, identity, revision, reason, skipped_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(queue, identity, revision) DO UPDATE SET reason = excluded.reason, skipped_at = excluded.skipped_at`,
		queue, identity, revision, nullableString(reason), s.timestamp())
}

// SkippedIdentities returns the identities skipped in queue for revision.
func (s *Store) SkippedIdentities(ctx context.Context, queue, revision string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT identity FROM skipped_directives WHERE queue = ? AND revision = ?", queue, revision)
	if err != nil {
		return nil, fmt.Errorf("list skipped directives: %w", err)
	}
	defer rows.Close()

	skipped := make(map[string]struct{})
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("scan skipped directive: %w", err)
		}
		skipped[identity] = struct{}{}
	}
	return skipped, rows.Err()
}
