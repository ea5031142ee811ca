package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InstalledFile records a provisioned file. A record exists only once the
// file has been fully written and moved into place.
type InstalledFile struct {
	Path        string    `json:"path"`
	URL         string    `json:"url"`
	Checksum    string    `json:"checksum,omitempty"`
	LastUpdate  int64     `json:"last_update"`
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
	InstalledAt time.Time `json:"installed_at"`
}

const installedFileColumns = "path, url, checksum, last_update, digest, size, installed_at"

func scanInstalledFile(scanner interface{ Scan(...any) error }) (InstalledFile, error) {
	var (
		rec       InstalledFile
		checksum  sql.NullString
		installed sql.NullString
	)
	if err := scanner.Scan(&rec.Path, &rec.URL, &checksum, &rec.LastUpdate, &rec.Digest, &rec.Size, &installed); err != nil {
		return InstalledFile{}, err
	}
	rec.Checksum = checksum.String
	rec.InstalledAt = parseTimestamp(installed)
	return rec, nil
}

// InstalledFiles returns all file records keyed by path.
func (s *Store) InstalledFiles(ctx context.Context) (map[string]InstalledFile, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), "SELECT "+installedFileColumns+" FROM installed_files")
	if err != nil {
		return nil, fmt.Errorf("list installed files: %w", err)
	}
	defer rows.Close()

	records := make(map[string]InstalledFile)
	for rows.Next() {
		rec, err := scanInstalledFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan installed file: %w", err)
		}
		records[rec.Path] = rec
	}
	return records, rows.Err()
}

// InstalledFile returns the record for path; ok is false when absent.
func (s *Store) InstalledFile(ctx context.Context, path string) (InstalledFile, bool, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+installedFileColumns+" FROM installed_files WHERE path = ?", path)
	rec, err := scanInstalledFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return InstalledFile{}, false, nil
	}
	if err != nil {
		return InstalledFile{}, false, fmt.Errorf("read installed file %s: %w", path, err)
	}
	return rec, true, nil
}

// PutInstalledFile upserts a file record. InstalledAt defaults to now.
func (s *Store) PutInstalledFile(ctx context.Context, rec InstalledFile) error {
	installedAt := s.timestamp()
	if !rec.InstalledAt.IsZero() {
		installedAt = formatTimestamp(rec.InstalledAt)
	}
	return s.exec(ctx,
		`INSERT INTO installed_files (`+installedFileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   url = excluded.url,
		   checksum = excluded.checksum,
		   last_update = excluded.last_update,
		   digest = excluded.digest,
		   size = excluded.size,
		   installed_at = excluded.installed_at`,
		rec.Path, rec.URL, nullableString(rec.Checksum), rec.LastUpdate, rec.Digest, rec.Size, installedAt)
}

// DeleteInstalledFile removes the record for path. Missing records are not an error.
func (s *Store) DeleteInstalledFile(ctx context.Context, path string) error {
	return s.exec(ctx, "DELETE FROM installed_files WHERE path = ?", path)
}
