// Package history persists a request log in SQLite: one row per chat
// request with its outcome, for the status API and postmortems. The
// durable session state itself lives in the session package; history is
// append-mostly and losing it never affects routing.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Status classifies how a request ended.
type Status string

const (
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusTimeout     Status = "timeout"
	StatusRejected    Status = "rejected"
	StatusInterrupted Status = "interrupted"
)

// Kind classifies what the chat sent.
type Kind string

const (
	KindText     Kind = "text"
	KindPhoto    Kind = "photo"
	KindVoice    Kind = "voice"
	KindDocument Kind = "document"
	KindCommand  Kind = "command"
)

// Record is one logged request.
type Record struct {
	ID        string    `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Kind      Kind      `json:"kind"`
	Prompt    string    `json:"prompt"`
	ThreadID  string    `json:"thread_id"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail"`
	ExitCode  int       `json:"exit_code"`
	Duration  int64     `json:"duration_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages request log persistence in SQLite.
type Store struct {
	db *sql.DB
}

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

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id          TEXT PRIMARY KEY,
			chat_id     INTEGER NOT NULL,
			kind        TEXT NOT NULL DEFAULT 'text',
			prompt      TEXT NOT NULL DEFAULT '',
			thread_id   TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			detail      TEXT NOT NULL DEFAULT '',
			exit_code   INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_requests_chat_id
			ON requests(chat_id);

		CREATE INDEX IF NOT EXISTS idx_requests_created_at
			ON requests(created_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a record, assigning an id and timestamp if unset.
func (s *Store) Add(rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO requests (id, chat_id, kind, prompt, thread_id, status, detail, exit_code, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ChatID, rec.Kind, rec.Prompt, rec.ThreadID,
		rec.Status, rec.Detail, rec.ExitCode, rec.Duration, rec.CreatedAt,
	)
	return err
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(limit int) ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, kind, prompt, thread_id, status, detail, exit_code, duration_ms, created_at
		 FROM requests ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecentForChat returns the chat's newest records, most recent first.
func (s *Store) RecentForChat(chatID int64, limit int) ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, kind, prompt, thread_id, status, detail, exit_code, duration_ms, created_at
		 FROM requests WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CountByStatus returns how many records carry each status.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(
			&r.ID, &r.ChatID, &r.Kind, &r.Prompt, &r.ThreadID,
			&r.Status, &r.Detail, &r.ExitCode, &r.Duration, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
