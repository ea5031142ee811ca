package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	keyDeviceID       = "device_id"
	keyPrimaryURL     = "endpoint_primary"
	keySecondaryURL   = "endpoint_secondary"
	keyProject        = "endpoint_project"
	keyActiveConfig   = "active_config"
	keyActiveRevision = "active_revision"
	keyFetchedCycle   = "fetched_cycle"
	keyEscalatedCycle = "escalated_cycle"
	keyRunAfter       = "run_after"
	keyCyclePhase     = "cycle_phase"
	keyCycleID        = "cycle_id"
	keyPrivileged     = "privileged"
)

// Endpoints is the active authority endpoint pair plus the project (tenant) path.
type Endpoints struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
	Project   string `json:"project"`
}

// IsZero reports whether no endpoint has been stored yet.
func (e Endpoints) IsZero() bool {
	return e.Primary == "" && e.Secondary == "" && e.Project == ""
}

// Setting returns the raw value for key; ok is false when the key is absent.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ensureContext(ctx), "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a raw value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertSetting(ctx, tx, key, value, s.timestamp())
	})
}

// DeleteSetting removes key if present.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	return s.exec(ctx, "DELETE FROM settings WHERE key = ?", key)
}

func upsertSetting(ctx context.Context, tx *sql.Tx, key, value, now string) error {
	_, err := tx.ExecContext(ensureContext(ctx),
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// DeviceID returns the provisioned device identifier, or "" when unset.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	value, _, err := s.Setting(ctx, keyDeviceID)
	return value, err
}

// SetDeviceID stores the device identifier.
func (s *Store) SetDeviceID(ctx context.Context, id string) error {
	return s.SetSetting(ctx, keyDeviceID, id)
}

// Endpoints returns the active endpoint pair.
func (s *Store) Endpoints(ctx context.Context) (Endpoints, error) {
	var ep Endpoints
	var err error
	if ep.Primary, _, err = s.Setting(ctx, keyPrimaryURL); err != nil {
		return Endpoints{}, err
	}
	if ep.Secondary, _, err = s.Setting(ctx, keySecondaryURL); err != nil {
		return Endpoints{}, err
	}
	if ep.Project, _, err = s.Setting(ctx, keyProject); err != nil {
		return Endpoints{}, err
	}
	return ep, nil
}

// SetEndpoints replaces the active endpoint pair atomically.
func (s *Store) SetEndpoints(ctx context.Context, ep Endpoints) error {
	now := s.timestamp()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertSetting(ctx, tx, keyPrimaryURL, ep.Primary, now); err != nil {
			return err
		}
		if err := upsertSetting(ctx, tx, keySecondaryURL, ep.Secondary, now); err != nil {
			return err
		}
		return upsertSetting(ctx, tx, keyProject, ep.Project, now)
	})
}

// ActiveConfig returns the last successfully fetched document and its revision.
// ok is false when no document has been stored yet.
func (s *Store) ActiveConfig(ctx context.Context) (data []byte, revision string, ok bool, err error) {
	raw, found, err := s.Setting(ctx, keyActiveConfig)
	if err != nil || !found {
		return nil, "", false, err
	}
	revision, _, err = s.Setting(ctx, keyActiveRevision)
	if err != nil {
		return nil, "", false, err
	}
	return []byte(raw), revision, true, nil
}

// SaveActiveConfig replaces the active document and revision in one transaction.
// Skip records belonging to older revisions are pruned with it.
func (s *Store) SaveActiveConfig(ctx context.Context, data []byte, revision string) error {
	now := s.timestamp()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertSetting(ctx, tx, keyActiveConfig, string(data), now); err != nil {
			return err
		}
		if err := upsertSetting(ctx, tx, keyActiveRevision, revision, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ensureContext(ctx), "DELETE FROM skipped_directives WHERE revision <> ?", revision); err != nil {
			return fmt.Errorf("prune skipped directives: %w", err)
		}
		return nil
	})
}

// FetchedCycle returns the id of the last cycle whose configuration fetch
// succeeded.
func (s *Store) FetchedCycle(ctx context.Context) (string, error) {
	value, _, err := s.Setting(ctx, keyFetchedCycle)
	return value, err
}

// SetFetchedCycle records a successful fetch for cycleID.
func (s *Store) SetFetchedCycle(ctx context.Context, cycleID string) error {
	return s.SetSetting(ctx, keyFetchedCycle, cycleID)
}

// EscalatedCycle returns the id of the last cycle that started escalation.
func (s *Store) EscalatedCycle(ctx context.Context) (string, error) {
	value, _, err := s.Setting(ctx, keyEscalatedCycle)
	return value, err
}

// SetEscalatedCycle records that escalation started for cycleID.
func (s *Store) SetEscalatedCycle(ctx context.Context, cycleID string) error {
	return s.SetSetting(ctx, keyEscalatedCycle, cycleID)
}

// RunAfter returns the packages queued for launch when the current cycle
// finishes, in install order.
func (s *Store) RunAfter(ctx context.Context) ([]string, error) {
	value, _, err := s.Setting(ctx, keyRunAfter)
	if err != nil || value == "" {
		return nil, err
	}
	return strings.Split(value, "\n"), nil
}

// SetRunAfter replaces the launch list. An empty list clears it.
func (s *Store) SetRunAfter(ctx context.Context, pkgs []string) error {
	return s.SetSetting(ctx, keyRunAfter, strings.Join(pkgs, "\n"))
}

// CyclePhase returns the persisted phase and cycle id of an unfinished
// reconciliation, or empty strings when none is in progress.
func (s *Store) CyclePhase(ctx context.Context) (phase, cycleID string, err error) {
	if phase, _, err = s.Setting(ctx, keyCyclePhase); err != nil {
		return "", "", err
	}
	if cycleID, _, err = s.Setting(ctx, keyCycleID); err != nil {
		return "", "", err
	}
	return phase, cycleID, nil
}

// SetCyclePhase persists the phase of the running reconciliation. An empty
// phase clears it.
func (s *Store) SetCyclePhase(ctx context.Context, phase, cycleID string) error {
	now := s.timestamp()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if phase == "" {
			_, err := tx.ExecContext(ensureContext(ctx), "DELETE FROM settings WHERE key IN (?, ?)", keyCyclePhase, keyCycleID)
			return err
		}
		if err := upsertSetting(ctx, tx, keyCyclePhase, phase, now); err != nil {
			return err
		}
		return upsertSetting(ctx, tx, keyCycleID, cycleID, now)
	})
}

// Privileged returns the last recorded privileged-mode detection result.
func (s *Store) Privileged(ctx context.Context) (bool, error) {
	value, ok, err := s.Setting(ctx, keyPrivileged)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(value)
}

// SetPrivileged records the privileged-mode detection result.
func (s *Store) SetPrivileged(ctx context.Context, privileged bool) error {
	return s.SetSetting(ctx, keyPrivileged, strconv.FormatBool(privileged))
}

// ResetIdentity clears the device identifier, the endpoint pair, the active
// configuration, and any unfinished cycle. Installed-file records and
// capability states are kept because they describe the device, not the
// enrollment.
func (s *Store) ResetIdentity(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ensureContext(ctx),
			"DELETE FROM settings WHERE key IN (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			keyDeviceID, keyPrimaryURL, keySecondaryURL, keyProject, keyActiveConfig, keyActiveRevision,
			keyFetchedCycle, keyEscalatedCycle, keyRunAfter, keyCyclePhase, keyCycleID)
		if err != nil {
			return fmt.Errorf("clear identity settings: %w", err)
		}
		if _, err := tx.ExecContext(ensureContext(ctx), "DELETE FROM work_queue"); err != nil {
			return fmt.Errorf("clear work queues: %w", err)
		}
		if _, err := tx.ExecContext(ensureContext(ctx), "DELETE FROM skipped_directives"); err != nil {
			return fmt.Errorf("clear skipped directives: %w", err)
		}
		return nil
	})
}
