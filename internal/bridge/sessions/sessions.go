// Package sessions maintains the on-disk session index. Sessions are
// owned by the agent's own storage; the index only carries what the
// bridge adds on top: titles, ordering and team metadata.
package sessions

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kdlbs/agentbridge/internal/common/logger"
)

const dbFile = "sessions.db"

// ErrNotFound is returned when an operation names an unknown session id.
var ErrNotFound = errors.New("session not found")

// Metadata is the free-form per-session state stored as JSON.
type Metadata struct {
	TeamName string `json:"teamName,omitempty"`
	Leader   bool   `json:"leader,omitempty"`
	Model    string `json:"model,omitempty"`
}

// Entry is one indexed session.
type Entry struct {
	ID        string
	Workdir   string
	Title     string
	UpdatedAt time.Time
	Metadata  Metadata
}

type row struct {
	ID        string    `db:"id"`
	Workdir   string    `db:"workdir"`
	Title     string    `db:"title"`
	UpdatedAt time.Time `db:"updated_at"`
	Metadata  string    `db:"metadata"`
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	workdir    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_workdir ON sessions (workdir, updated_at DESC);
`

// Index is the sqlite-backed session index.
type Index struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the index database under dir.
func Open(dir string, log *logger.Logger) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.Join(dir, dbFile))
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening session index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating session index: %w", err)
	}
	return &Index{db: db, logger: log.WithComponent("sessions")}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error { return ix.db.Close() }

// Upsert inserts or refreshes an entry. A zero UpdatedAt is replaced
// with the current time.
func (ix *Index) Upsert(e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}
	_, err = ix.db.Exec(`
		INSERT INTO sessions (id, workdir, title, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workdir = excluded.workdir,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE sessions.title END,
			updated_at = excluded.updated_at,
			metadata = excluded.metadata`,
		e.ID, e.Workdir, e.Title, e.UpdatedAt, string(meta))
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// Touch bumps a session's updated_at, keeping list order fresh.
func (ix *Index) Touch(id string) error {
	res, err := ix.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return requireRow(res)
}

// Rename sets the title without reordering the list.
func (ix *Index) Rename(id, title string) error {
	res, err := ix.db.Exec(`UPDATE sessions SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}
	return requireRow(res)
}

// SetMetadata replaces the metadata blob.
func (ix *Index) SetMetadata(id string, meta Metadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}
	res, err := ix.db.Exec(`UPDATE sessions SET metadata = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("updating session metadata: %w", err)
	}
	return requireRow(res)
}

// Delete removes an entry. Deleting an unknown id is not an error; the
// agent may own sessions the index never saw.
func (ix *Index) Delete(id string) error {
	if _, err := ix.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Get fetches one entry.
func (ix *Index) Get(id string) (Entry, error) {
	var r row
	err := ix.db.Get(&r, `SELECT id, workdir, title, updated_at, metadata FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("loading session: %w", err)
	}
	return ix.toEntry(r), nil
}

// List returns entries for a working directory, most recent first.
// An empty workdir lists everything.
func (ix *Index) List(workdir string) ([]Entry, error) {
	var rows []row
	var err error
	if workdir == "" {
		err = ix.db.Select(&rows, `SELECT id, workdir, title, updated_at, metadata FROM sessions ORDER BY updated_at DESC`)
	} else {
		err = ix.db.Select(&rows, `SELECT id, workdir, title, updated_at, metadata FROM sessions WHERE workdir = ? ORDER BY updated_at DESC`, workdir)
	}
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, ix.toEntry(r))
	}
	return entries, nil
}

func (ix *Index) toEntry(r row) Entry {
	e := Entry{ID: r.ID, Workdir: r.Workdir, Title: r.Title, UpdatedAt: r.UpdatedAt}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			ix.logger.Warn("corrupt session metadata", zap.String("id", r.ID), zap.Error(err))
		}
	}
	return e
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
