// Package sqlite implements the store interfaces using SQLite.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/microcase/model"
	"github.com/jxucoder/microcase/store"
)

// Store persists sessions, their event log, cached microcases and solved
// progress in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ store.SessionStore = (*Store)(nil)
	_ store.EventLog     = (*Store)(nil)
	_ store.Cache        = (*Store)(nil)
)

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			requester_id     TEXT NOT NULL DEFAULT '',
			source_reference TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'accepted',
			work_dir         TEXT NOT NULL DEFAULT '',
			total_accepted   INTEGER NOT NULL DEFAULT 0,
			error            TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS session_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_id
			ON session_events(session_id);

		CREATE TABLE IF NOT EXISTS microcases (
			cache_key      TEXT NOT NULL,
			microcase_id   INTEGER NOT NULL,
			file_path      TEXT NOT NULL,
			line_number    INTEGER NOT NULL,
			review_comment TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT '',
			dir            TEXT NOT NULL,
			created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (cache_key, microcase_id)
		);

		CREATE TABLE IF NOT EXISTS solved (
			requester_id TEXT NOT NULL,
			cache_key    TEXT NOT NULL,
			microcase_id INTEGER NOT NULL,
			solved_at    DATETIME NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (requester_id, cache_key, microcase_id)
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, requester_id, source_reference, status, work_dir,
	total_accepted, error, created_at, updated_at`

// CreateSession inserts a new session.
func (s *Store) CreateSession(sess *model.Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.RequesterID, sess.SourceReference, sess.Status, sess.WorkDir,
		sess.TotalAccepted, sess.Error, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sess, err
}

// ListSessions returns all sessions ordered by creation time (newest first).
func (s *Store) ListSessions() ([]*model.Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListExpired returns sessions last updated before the cutoff, oldest first.
func (s *Store) ListExpired(before time.Time) ([]*model.Session, error) {
	all, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	var out []*model.Session
	for _, sess := range all {
		if sess.UpdatedAt.Before(before) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// UpdateSession updates mutable fields of a session.
func (s *Store) UpdateSession(sess *model.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE sessions SET
			status = ?, work_dir = ?, total_accepted = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Status, sess.WorkDir, sess.TotalAccepted, sess.Error, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its event log.
func (s *Store) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM session_events WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(event *model.Event) error {
	result, err := s.db.Exec(
		`INSERT INTO session_events (session_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.SessionID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a session, optionally after a given event ID.
func (s *Store) GetEvents(sessionID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, type, data, created_at
		 FROM session_events
		 WHERE session_id = ? AND id > ?
		 ORDER BY id ASC`,
		sessionID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Microcase cache ---

// PutMicrocases replaces the cached microcases for a key.
func (s *Store) PutMicrocases(cacheKey string, entries []model.CachedMicrocase) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM microcases WHERE cache_key = ?`, cacheKey); err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT INTO microcases (cache_key, microcase_id, file_path, line_number,
		                         review_comment, description, dir, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range entries {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.Exec(cacheKey, m.MicrocaseID, m.FilePath, m.LineNumber,
			m.ReviewComment, m.Description, m.Dir, created); err != nil {
			return fmt.Errorf("caching microcase %d: %w", m.MicrocaseID, err)
		}
	}
	return tx.Commit()
}

// GetMicrocases returns the cached microcases for a key ordered by ID.
func (s *Store) GetMicrocases(cacheKey string) ([]model.CachedMicrocase, error) {
	rows, err := s.db.Query(
		`SELECT cache_key, microcase_id, file_path, line_number, review_comment,
		        description, dir, created_at
		 FROM microcases WHERE cache_key = ?
		 ORDER BY microcase_id ASC`, cacheKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CachedMicrocase
	for rows.Next() {
		var m model.CachedMicrocase
		if err := rows.Scan(&m.CacheKey, &m.MicrocaseID, &m.FilePath, &m.LineNumber,
			&m.ReviewComment, &m.Description, &m.Dir, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkSolved records that a requester passed a microcase. Repeats are ignored.
func (s *Store) MarkSolved(requesterID, cacheKey string, microcaseID int) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO solved (requester_id, cache_key, microcase_id, solved_at)
		 VALUES (?, ?, ?, ?)`,
		requesterID, cacheKey, microcaseID, time.Now().UTC(),
	)
	return err
}

// Solved returns the IDs a requester has passed for a key.
func (s *Store) Solved(requesterID, cacheKey string) ([]int, error) {
	rows, err := s.db.Query(
		`SELECT microcase_id FROM solved
		 WHERE requester_id = ? AND cache_key = ?
		 ORDER BY microcase_id ASC`, requesterID, cacheKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	sess := &model.Session{}
	err := row.Scan(
		&sess.ID, &sess.RequesterID, &sess.SourceReference, &sess.Status, &sess.WorkDir,
		&sess.TotalAccepted, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
