// Package state manages the SQLite database that tracks sync metadata between
// the Exchange server and the local calendar store: id correspondences,
// per-folder delta cursors, and per-user check timestamps.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] (or the [*Correspondences] cache built on it) and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS correspondences (
    user        TEXT NOT NULL,
    id          TEXT NOT NULL,
    counterpart TEXT NOT NULL,
    PRIMARY KEY (user, id)
);

CREATE TABLE IF NOT EXISTS folder_cursors (
    user       TEXT NOT NULL,
    folder_id  TEXT NOT NULL,
    cursor     TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (user, folder_id)
);

CREATE TABLE IF NOT EXISTS user_state (
    user                   TEXT PRIMARY KEY,
    last_full_check        TEXT NOT NULL DEFAULT '',
    last_incremental_check TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_counterpart ON correspondences (user, counterpart);
`

// Cursor is the persisted delta-feed position of one folder.
type Cursor struct {
	FolderID  string
	Cursor    string
	UpdatedAt time.Time
}

// UserState holds the check timestamps of one user. Zero values mean the
// check never completed.
type UserState struct {
	User                 string
	LastFullCheck        time.Time
	LastIncrementalCheck time.Time
}

// Store is the SQLite-backed state repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/exchangesync/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "exchangesync", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- correspondences ---------------------------------------------------------

// LoadPairs returns every stored direction of the user's pairs, keyed by id.
func (s *Store) LoadPairs(ctx context.Context, user string) (map[string]string, error) {
	const q = `SELECT id, counterpart FROM correspondences WHERE user = ?`
	rows, err := s.db.QueryContext(ctx, q, user)
	if err != nil {
		return nil, fmt.Errorf("querying pairs for %q: %w", user, err)
	}
	defer func() { _ = rows.Close() }()

	pairs := make(map[string]string)
	for rows.Next() {
		var id, counterpart string
		if err := rows.Scan(&id, &counterpart); err != nil {
			return nil, fmt.Errorf("scanning pair row: %w", err)
		}
		pairs[id] = counterpart
	}
	return pairs, rows.Err()
}

// SetPair removes every pair involving a or b and stores a↔b, in one
// transaction.
func (s *Store) SetPair(ctx context.Context, user, a, b string) error {
	if a == "" || b == "" || a == b {
		return fmt.Errorf("invalid pair %q <-> %q", a, b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning pair transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const del = `
		DELETE FROM correspondences
		WHERE user = ? AND (id IN (?, ?) OR counterpart IN (?, ?))`
	if _, err := tx.ExecContext(ctx, del, user, a, b, a, b); err != nil {
		return fmt.Errorf("clearing pairs of %q and %q: %w", a, b, err)
	}

	const ins = `INSERT INTO correspondences (user, id, counterpart) VALUES (?, ?, ?), (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, ins, user, a, b, user, b, a); err != nil {
		return fmt.Errorf("inserting pair %q <-> %q: %w", a, b, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pair %q <-> %q: %w", a, b, err)
	}
	return nil
}

// DeletePairsOf removes the pair containing id, in both directions.
func (s *Store) DeletePairsOf(ctx context.Context, user, id string) error {
	const q = `DELETE FROM correspondences WHERE user = ? AND (id = ? OR counterpart = ?)`
	if _, err := s.db.ExecContext(ctx, q, user, id, id); err != nil {
		return fmt.Errorf("deleting pairs of %q: %w", id, err)
	}
	return nil
}

// --- cursors -----------------------------------------------------------------

// GetCursor returns the delta cursor of a folder, or ("", false, nil) when
// the folder has never been seeded.
func (s *Store) GetCursor(ctx context.Context, user, folderID string) (string, bool, error) {
	const q = `SELECT cursor FROM folder_cursors WHERE user = ? AND folder_id = ?`
	var cursor string
	err := s.db.QueryRowContext(ctx, q, user, folderID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying cursor of %q: %w", folderID, err)
	}
	return cursor, true, nil
}

// SetCursor stores the delta cursor of a folder.
func (s *Store) SetCursor(ctx context.Context, user, folderID, cursor string) error {
	const q = `
		INSERT INTO folder_cursors (user, folder_id, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user, folder_id) DO UPDATE SET
		    cursor     = excluded.cursor,
		    updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, user, folderID, cursor, formatTime(time.Now())); err != nil {
		return fmt.Errorf("storing cursor of %q: %w", folderID, err)
	}
	return nil
}

// DeleteCursor forgets a folder's cursor; the next pass reseeds it.
func (s *Store) DeleteCursor(ctx context.Context, user, folderID string) error {
	const q = `DELETE FROM folder_cursors WHERE user = ? AND folder_id = ?`
	if _, err := s.db.ExecContext(ctx, q, user, folderID); err != nil {
		return fmt.Errorf("deleting cursor of %q: %w", folderID, err)
	}
	return nil
}

// ListCursors returns the user's cursors ordered by folder id.
func (s *Store) ListCursors(ctx context.Context, user string) ([]Cursor, error) {
	const q = `SELECT folder_id, cursor, updated_at FROM folder_cursors WHERE user = ? ORDER BY folder_id`
	rows, err := s.db.QueryContext(ctx, q, user)
	if err != nil {
		return nil, fmt.Errorf("querying cursors for %q: %w", user, err)
	}
	defer func() { _ = rows.Close() }()

	var cursors []Cursor
	for rows.Next() {
		var c Cursor
		var updated string
		if err := rows.Scan(&c.FolderID, &c.Cursor, &updated); err != nil {
			return nil, fmt.Errorf("scanning cursor row: %w", err)
		}
		c.UpdatedAt, _ = parseTime(updated)
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

// --- user state --------------------------------------------------------------

// GetUserState returns the user's check timestamps. A user that never
// completed a pass gets a zero-valued state.
func (s *Store) GetUserState(ctx context.Context, user string) (*UserState, error) {
	const q = `SELECT last_full_check, last_incremental_check FROM user_state WHERE user = ?`
	var full, incr string
	err := s.db.QueryRowContext(ctx, q, user).Scan(&full, &incr)
	if errors.Is(err, sql.ErrNoRows) {
		return &UserState{User: user}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying state of %q: %w", user, err)
	}
	st := &UserState{User: user}
	st.LastFullCheck, _ = parseTime(full)
	st.LastIncrementalCheck, _ = parseTime(incr)
	return st, nil
}

// SetUserState stores the user's check timestamps.
func (s *Store) SetUserState(ctx context.Context, st *UserState) error {
	const q = `
		INSERT INTO user_state (user, last_full_check, last_incremental_check)
		VALUES (?, ?, ?)
		ON CONFLICT(user) DO UPDATE SET
		    last_full_check        = excluded.last_full_check,
		    last_incremental_check = excluded.last_incremental_check`
	_, err := s.db.ExecContext(ctx, q, st.User,
		formatTime(st.LastFullCheck),
		formatTime(st.LastIncrementalCheck),
	)
	if err != nil {
		return fmt.Errorf("storing state of %q: %w", st.User, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
