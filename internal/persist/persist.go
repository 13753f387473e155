// Package persist keeps a local snapshot of every zone's last good
// configuration so the controller can start before the remote answers.
package persist

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/zone-controller/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - zones table
const currentSchemaVersion = 1

// Snapshot is one persisted zone.
type Snapshot struct {
	Zone    model.Zone
	Version uint64
	SavedAt time.Time
}

// Store is a SQLite-backed snapshot store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the snapshot database at path.
// Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect snapshot db: %w", err)
	}

	// One writer; also keeps a ":memory:" database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes the zone configuration. Runtime state (readings and targets)
// is not persisted.
func (s *Store) Save(ctx context.Context, zone model.Zone, version uint64, at time.Time) error {
	z := zone.Clone()
	for i := range z.Devices {
		z.Devices[i].Current = nil
		z.Devices[i].Target = nil
	}
	body, err := json.Marshal(z)
	if err != nil {
		return fmt.Errorf("encode zone %s: %w", zone.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO zones (id, version, body, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, body = excluded.body, saved_at = excluded.saved_at`,
		zone.ID, int64(version), string(body), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("save zone %s: %w", zone.ID, err)
	}
	return nil
}

// Load returns one zone's snapshot. ok is false if none was saved.
func (s *Store) Load(ctx context.Context, id string) (snap Snapshot, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, body, saved_at FROM zones WHERE id = ?`, id)
	snap, err = scanSnapshot(row)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load zone %s: %w", id, err)
	}
	return snap, true, nil
}

// LoadAll returns every saved snapshot ordered by zone id. Rows that fail to
// decode are returned as an error after the good ones.
func (s *Store) LoadAll(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version, body, saved_at FROM zones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	var badErr error
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			badErr = err
			continue
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("iterate zones: %w", err)
	}
	return out, badErr
}

// Delete removes a zone's snapshot.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete zone %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r scanner) (Snapshot, error) {
	var (
		version int64
		body    string
		savedAt int64
	)
	if err := r.Scan(&version, &body, &savedAt); err != nil {
		return Snapshot{}, err
	}
	var z model.Zone
	if err := json.Unmarshal([]byte(body), &z); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return Snapshot{Zone: z, Version: uint64(version), SavedAt: time.UnixMilli(savedAt).UTC()}, nil
}
