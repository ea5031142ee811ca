// Package selfupdate implements the two-phase handoff used when the agent
// installs a new version of its own package.
//
// Before the install the flow writes a Record naming the version it expects.
// The install may replace the running binary and end the process, so the
// outcome is decided by Confirm on the next start: a changed version is
// success, an unchanged one or a record older than the allowed age is
// failure. The record file is written atomically so a crash never leaves a
// partial handoff.
package selfupdate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Record is the persisted handoff.
type Record struct {
	Package         string    `json:"package"`
	PreviousVersion string    `json:"previous_version"`
	ExpectedVersion string    `json:"expected_version,omitempty"`
	CycleID         string    `json:"cycle_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Write atomically stores rec at path.
func Write(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal handoff record: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create handoff record: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write handoff record: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync handoff record: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close handoff record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename handoff record: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}

// Read loads the record at path. A missing file wraps os.ErrNotExist.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse handoff record %s: %w", path, err)
	}
	return rec, nil
}

// Clear removes the record. Missing files are not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove handoff record: %w", err)
	}
	return nil
}

// Verdict is the outcome of a handoff.
type Verdict struct {
	Success bool
	Reason  string
}

// Confirm judges rec against the version installed now.
func Confirm(rec Record, installedVersion string, now time.Time, maxAge time.Duration) Verdict {
	if maxAge > 0 && now.Sub(rec.Timestamp) > maxAge {
		return Verdict{Reason: fmt.Sprintf("handoff older than %s", maxAge)}
	}
	installedVersion = strings.TrimSpace(installedVersion)
	if installedVersion == "" {
		return Verdict{Reason: "agent package not installed"}
	}
	if installedVersion == strings.TrimSpace(rec.PreviousVersion) {
		return Verdict{Reason: "version unchanged after restart"}
	}
	return Verdict{Success: true}
}

// Helper hands the running process over to an external restart helper.
type Helper interface {
	Handoff(ctx context.Context, rec Record) error
}
