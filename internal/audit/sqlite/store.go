// Package sqlite implements the audit store over a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	_ "modernc.org/sqlite"

	"github.com/s2quake/tabledeck/internal/audit"
	"github.com/s2quake/tabledeck/internal/platform/storage/sqlitemigrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a SQLite-backed audit store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load audit migrations: %w", err)
	}
	if err := sqlitemigrate.Apply(db, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &Store{db: db}, nil
}

// Append implements audit.Store.
func (s *Store) Append(ctx context.Context, entry audit.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (at, session_id, data_source_id, event_type, caller_id, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.At.UTC().Format(time.RFC3339Nano),
		entry.SessionID,
		entry.DataSourceID,
		entry.EventType,
		entry.CallerID,
		entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List implements audit.Store.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, at, session_id, data_source_id, event_type, caller_id, detail
		FROM audit_entries`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var entry audit.Entry
		var at string
		if err := rows.Scan(&entry.ID, &at, &entry.SessionID, &entry.DataSourceID,
			&entry.EventType, &entry.CallerID, &entry.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse audit entry time %q: %w", at, err)
		}
		entry.At = parsed
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// Close implements audit.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
