// Package captureindex persists per-packet byte offsets of CSI capture
// files. Decoding sessions accept a seek position but leave tracking those
// positions to the caller; this store is that caller-side bookkeeping,
// letting random-access re-entry (training pipelines reading slices of
// large captures) survive process restarts.
package captureindex

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is a sqlite-backed index of capture files and their packet
// offsets.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open capture index: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply capture index schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Capture describes one indexed capture file.
type Capture struct {
	CaptureID string
	Path      string
	Format    string // "intel", "atheros", "nexmon"
	CreatedAt int64
}

// RecordCapture registers a capture file under the given format and
// returns its id. Registering a path twice returns the existing id.
func (s *Store) RecordCapture(path, format string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT capture_id FROM capture_files WHERE path = ?`, path).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("query capture: %w", err)
	}

	id = uuid.New().String()
	_, err = s.db.Exec(`
		INSERT INTO capture_files (capture_id, path, format, created_at)
		VALUES (?, ?, ?, ?)`,
		id, path, format, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert capture: %w", err)
	}
	return id, nil
}

// RecordOffsets stores the byte offsets of packets startIndex onward for a
// capture, replacing any previously stored entries for those indices.
func (s *Store) RecordOffsets(captureID string, startIndex int, offsets []int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin offsets tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO packet_offsets (capture_id, packet_index, byte_offset)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare offsets insert: %w", err)
	}
	defer stmt.Close()

	for i, off := range offsets {
		if _, err := stmt.Exec(captureID, startIndex+i, off); err != nil {
			return fmt.Errorf("insert offset %d: %w", startIndex+i, err)
		}
	}
	return tx.Commit()
}

// Offset returns the byte offset of packet index within a capture,
// suitable for a session's Seek.
func (s *Store) Offset(captureID string, index int) (int64, error) {
	var off int64
	err := s.db.QueryRow(`
		SELECT byte_offset FROM packet_offsets
		WHERE capture_id = ? AND packet_index = ?`,
		captureID, index).Scan(&off)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("capture %s has no offset for packet %d", captureID, index)
	}
	if err != nil {
		return 0, fmt.Errorf("query offset: %w", err)
	}
	return off, nil
}

// Offsets returns all stored byte offsets of a capture in packet order.
func (s *Store) Offsets(captureID string) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT byte_offset FROM packet_offsets
		WHERE capture_id = ?
		ORDER BY packet_index`, captureID)
	if err != nil {
		return nil, fmt.Errorf("query offsets: %w", err)
	}
	defer rows.Close()

	var offs []int64
	for rows.Next() {
		var off int64
		if err := rows.Scan(&off); err != nil {
			return nil, fmt.Errorf("scan offset: %w", err)
		}
		offs = append(offs, off)
	}
	return offs, rows.Err()
}

// Captures lists all indexed capture files, newest first.
func (s *Store) Captures() ([]Capture, error) {
	rows, err := s.db.Query(`
		SELECT capture_id, path, format, created_at
		FROM capture_files
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()

	var caps []Capture
	for rows.Next() {
		var c Capture
		if err := rows.Scan(&c.CaptureID, &c.Path, &c.Format, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}
