// Package store defines the narrow persistence interface the listener
// consumes (spec §6's "database interface") and a SQLite-backed default
// implementation. Every operation is fail-soft from the listener's point of
// view: a Store method returns an error like any other Go function, but
// every call site in package handlers logs and swallows it rather than
// changing the HTTP response — a database hiccup must never be visible to
// an implant.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/duskrelay/beaconsrv/dbopen"
	"github.com/duskrelay/beaconsrv/implant"
)

// Store is the persistence surface the listener depends on.
type Store interface {
	InitializeImplant(ctx context.Context, snap implant.Snapshot, serverID string) error
	UpdateImplant(ctx context.Context, snap implant.Snapshot) error
	LogCheckin(ctx context.Context, implantID string, isCheckin bool, result string) error
	StoreFileHashMapping(ctx context.Context, hash, filename, path string) error
	GetFileInfoByHash(ctx context.Context, hash string) (filename, path string, ok bool, err error)
	LogFileTransfer(ctx context.Context, implantID, filename string, size int64, direction string) error
	Close() error
}

// SQLiteStore is the default Store, backed by modernc.org/sqlite via dbopen.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path with the listener's
// schema applied, using dbopen's production-safe pragmas.
func Open(path string, opts ...dbopen.Option) (*SQLiteStore, error) {
	allOpts := append([]dbopen.Option{dbopen.WithMkdirAll()}, opts...)
	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS implants (
		id             TEXT PRIMARY KEY,
		server_id      TEXT NOT NULL,
		workspace_uuid TEXT NOT NULL DEFAULT '',
		ip_external    TEXT NOT NULL DEFAULT '',
		ip_internal    TEXT NOT NULL DEFAULT '',
		username       TEXT NOT NULL DEFAULT '',
		hostname       TEXT NOT NULL DEFAULT '',
		os_build       TEXT NOT NULL DEFAULT '',
		pid            INTEGER NOT NULL DEFAULT 0,
		process_name   TEXT NOT NULL DEFAULT '',
		risky_mode     INTEGER NOT NULL DEFAULT 0,
		last_checkin   INTEGER NOT NULL DEFAULT 0,
		checkin_count  INTEGER NOT NULL DEFAULT 0,
		late           INTEGER NOT NULL DEFAULT 0,
		state          TEXT NOT NULL DEFAULT 'NEW',
		created_at     INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	);
	CREATE TABLE IF NOT EXISTS checkin_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		implant_id  TEXT NOT NULL,
		timestamp   INTEGER NOT NULL,
		is_checkin  INTEGER NOT NULL,
		result      TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS file_hash_mapping (
		hash     TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		path     TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS file_transfer_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		implant_id TEXT NOT NULL,
		filename   TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		direction  TEXT NOT NULL,
		timestamp  INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	);
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// InitializeImplant inserts a new implant row, matching the original's
// db_initialize_nimplant(record, server_id).
func (s *SQLiteStore) InitializeImplant(ctx context.Context, snap implant.Snapshot, serverID string) error {
	_, err := dbopen.Exec(ctx, s.db, `INSERT OR REPLACE INTO implants
		(id, server_id, workspace_uuid, ip_external, ip_internal, username, hostname,
		 os_build, pid, process_name, risky_mode, last_checkin, checkin_count, late, state)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		snap.ID, serverID, snap.WorkspaceUUID, snap.IPExternal, snap.IPInternal,
		snap.Username, snap.Hostname, snap.OSBuild, snap.PID, snap.ProcessName,
		boolToInt(snap.RiskyMode), unixOrZero(snap), snap.CheckinCount,
		boolToInt(snap.Late), snap.State.String())
	if err != nil {
		return fmt.Errorf("store: initialize implant: %w", err)
	}
	return nil
}

// UpdateImplant persists the current snapshot over an existing row.
func (s *SQLiteStore) UpdateImplant(ctx context.Context, snap implant.Snapshot) error {
	_, err := dbopen.Exec(ctx, s.db, `UPDATE implants SET
		workspace_uuid=?, ip_external=?, ip_internal=?, username=?, hostname=?,
		os_build=?, pid=?, process_name=?, risky_mode=?, last_checkin=?,
		checkin_count=?, late=?, state=? WHERE id=?`,
		snap.WorkspaceUUID, snap.IPExternal, snap.IPInternal, snap.Username, snap.Hostname,
		snap.OSBuild, snap.PID, snap.ProcessName, boolToInt(snap.RiskyMode), unixOrZero(snap),
		snap.CheckinCount, boolToInt(snap.Late), snap.State.String(), snap.ID)
	if err != nil {
		return fmt.Errorf("store: update implant: %w", err)
	}
	return nil
}

// LogCheckin appends a row to the check-in log, matching
// db_nimplant_log(record, result, is_checkin).
func (s *SQLiteStore) LogCheckin(ctx context.Context, implantID string, isCheckin bool, result string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO checkin_log (implant_id, timestamp, is_checkin, result) VALUES (?, strftime('%s','now'), ?, ?)`,
		implantID, boolToInt(isCheckin), result)
	if err != nil {
		return fmt.Errorf("store: log checkin: %w", err)
	}
	return nil
}

// StoreFileHashMapping persists a (hash -> filename, path) triple.
func (s *SQLiteStore) StoreFileHashMapping(ctx context.Context, hash, filename, path string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT OR REPLACE INTO file_hash_mapping (hash, filename, path) VALUES (?, ?, ?)`,
		hash, filename, path)
	if err != nil {
		return fmt.Errorf("store: store file hash mapping: %w", err)
	}
	return nil
}

// GetFileInfoByHash looks up a previously stored mapping.
func (s *SQLiteStore) GetFileInfoByHash(ctx context.Context, hash string) (filename, path string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT filename, path FROM file_hash_mapping WHERE hash = ?`, hash)
	if scanErr := row.Scan(&filename, &path); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("store: get file info by hash: %w", scanErr)
	}
	return filename, path, true, nil
}

// LogFileTransfer appends a transfer record ("UPLOAD" or "DOWNLOAD").
func (s *SQLiteStore) LogFileTransfer(ctx context.Context, implantID, filename string, size int64, direction string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO file_transfer_log (implant_id, filename, size_bytes, direction) VALUES (?, ?, ?, ?)`,
		implantID, filename, size, direction)
	if err != nil {
		return fmt.Errorf("store: log file transfer: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(snap implant.Snapshot) int64 {
	if snap.LastCheckin.IsZero() {
		return 0
	}
	return snap.LastCheckin.Unix()
}
