package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CapabilityState is the persisted resolution of a single device capability.
type CapabilityState string

const (
	CapabilityUnresolved CapabilityState = "unresolved"
	CapabilityGranted    CapabilityState = "granted"
	CapabilityDeclined   CapabilityState = "declined"
)

// Resolved reports whether the state is terminal.
func (s CapabilityState) Resolved() bool {
	return s == CapabilityGranted || s == CapabilityDeclined
}

// CapabilityRecord is one row of the capability table.
type CapabilityRecord struct {
	Name       string          `json:"name"`
	State      CapabilityState `json:"state"`
	PromptedAt time.Time       `json:"prompted_at,omitzero"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Prompted reports whether an acquisition prompt was already issued.
func (r CapabilityRecord) Prompted() bool {
	return !r.PromptedAt.IsZero()
}

// Capability returns the record for name. Unknown capabilities are reported
// as unresolved and never prompted.
func (s *Store) Capability(ctx context.Context, name string) (CapabilityRecord, error) {
	var (
		state    string
		prompted sql.NullString
		updated  sql.NullString
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT state, prompted_at, updated_at FROM capabilities WHERE name = ?", name,
	).Scan(&state, &prompted, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return CapabilityRecord{Name: name, State: CapabilityUnresolved}, nil
	}
	if err != nil {
		return CapabilityRecord{}, fmt.Errorf("read capability %s: %w", name, err)
	}
	return CapabilityRecord{
		Name:       name,
		State:      CapabilityState(state),
		PromptedAt: parseTimestamp(prompted),
		UpdatedAt:  parseTimestamp(updated),
	}, nil
}

// Capabilities lists every stored capability ordered by name.
func (s *Store) Capabilities(ctx context.Context) ([]CapabilityRecord, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT name, state, prompted_at, updated_at FROM capabilities ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()

	var records []CapabilityRecord
	for rows.Next() {
		var (
			rec      CapabilityRecord
			state    string
			prompted sql.NullString
			updated  sql.NullString
		)
		if err := rows.Scan(&rec.Name, &state, &prompted, &updated); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		rec.State = CapabilityState(state)
		rec.PromptedAt = parseTimestamp(prompted)
		rec.UpdatedAt = parseTimestamp(updated)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetCapability stores a new state for name, keeping any prompt timestamp.
func (s *Store) SetCapability(ctx context.Context, name string, state CapabilityState) error {
	now := s.timestamp()
	return s.exec(ctx,
		`INSERT INTO capabilities (name, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		name, string(state), now)
}

// MarkPrompted records that an acquisition prompt was issued for name.
func (s *Store) MarkPrompted(ctx context.Context, name string) error {
	now := s.timestamp()
	return s.exec(ctx,
		`INSERT INTO capabilities (name, state, prompted_at, updated_at) VALUES (?, 'unresolved', ?, ?)
		 ON CONFLICT(name) DO UPDATE SET prompted_at = excluded.prompted_at, updated_at = excluded.updated_at`,
		name, now, now)
}
