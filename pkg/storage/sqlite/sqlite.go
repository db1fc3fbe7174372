package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Connection is one journaled connection.
type Connection struct {
	ID       string
	Endpoint string
	PeerUID  uint32
	PeerPID  int32
	State    string
	Cause    string
	Messages int64
	OpenedAt int64
	ClosedAt *int64
}

// Event is one lifecycle transition of a connection.
type Event struct {
	ConnectionID string
	Kind         string
	Detail       string
	At           int64
}

// Options tune the database pragmas.
type Options struct {
	JournalMode string
	Synchronous string
}

// Store owns the SQLite connection journal.
type Store struct {
	db   *sql.DB
	path string
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// pragmas such as foreign_keys are per connection
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context, opts Options) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	if opts.JournalMode == "" {
		opts.JournalMode = "WAL"
	}
	if opts.Synchronous == "" {
		opts.Synchronous = "NORMAL"
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		fmt.Sprintf("PRAGMA journal_mode = %s;", opts.JournalMode),
		fmt.Sprintf("PRAGMA synchronous = %s;", opts.Synchronous),
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			peer_uid INTEGER NOT NULL,
			peer_pid INTEGER NOT NULL,
			state TEXT NOT NULL,
			cause TEXT NOT NULL DEFAULT '',
			messages INTEGER NOT NULL DEFAULT 0,
			opened_at INTEGER NOT NULL,
			closed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_connections_opened ON connections(opened_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_connection ON events(connection_id, seq);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// RecordOpen inserts a connection in the given state.
func (s *Store) RecordOpen(ctx context.Context, c Connection) error {
	if c.OpenedAt == 0 {
		c.OpenedAt = time.Now().UnixMilli()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO connections(id, endpoint, peer_uid, peer_pid, state, opened_at) VALUES(?,?,?,?,?,?)`,
		c.ID, c.Endpoint, int64(c.PeerUID), int64(c.PeerPID), c.State, c.OpenedAt); err != nil {
		tx.Rollback()
		return err
	}
	if err := insertEvent(ctx, tx, c.ID, c.State, "", c.OpenedAt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecordEvent appends a lifecycle event and updates the connection state.
func (s *Store) RecordEvent(ctx context.Context, id, kind, detail string) error {
	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE connections SET state = ? WHERE id = ?`, kind, id)
	if err := wrapRowsAffected(res, err); err != nil {
		tx.Rollback()
		return fmt.Errorf("connection %s: %w", id, err)
	}
	if err := insertEvent(ctx, tx, id, kind, detail, now); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecordClose stores the final state, cause and message count.
func (s *Store) RecordClose(ctx context.Context, id, state, cause string, messages int64) error {
	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE connections SET state = ?, cause = ?, messages = ?, closed_at = ? WHERE id = ?`,
		state, cause, messages, now, id)
	if err := wrapRowsAffected(res, err); err != nil {
		tx.Rollback()
		return fmt.Errorf("connection %s: %w", id, err)
	}
	if err := insertEvent(ctx, tx, id, state, cause, now); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, id, kind, detail string, at int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(connection_id, kind, detail, at) VALUES(?,?,?,?)`, id, kind, detail, at)
	return err
}

// ListConnections returns the most recently opened connections first.
func (s *Store) ListConnections(ctx context.Context, limit int) ([]Connection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint, peer_uid, peer_pid, state, cause, messages, opened_at, closed_at
		FROM connections
		ORDER BY opened_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var (
			c        Connection
			uid, pid int64
		)
		if err := rows.Scan(&c.ID, &c.Endpoint, &uid, &pid, &c.State, &c.Cause, &c.Messages, &c.OpenedAt, &c.ClosedAt); err != nil {
			return nil, err
		}
		c.PeerUID = uint32(uid)
		c.PeerPID = int32(pid)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Events returns the events of one connection in order.
func (s *Store) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT connection_id, kind, detail, at FROM events WHERE connection_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ConnectionID, &e.Kind, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes connections closed before cutoff, with their events.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func wrapRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return errors.New("no rows affected")
	}
	return nil
}
