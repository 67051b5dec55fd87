package session

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arbor-labs/arborflow/engine"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore persists session records in SQLite. Graph structures are not
// stored; only the graph identifier survives a restart.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite session store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sessionstore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sessionstore: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(sess *engine.Session) error {
	pending, contextJSON, err := marshalParts(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, graph_id, initial_input, start_node, status, current_node_id, error, pending_input, context, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.GraphID,
		sess.InitialInput,
		sess.StartNode,
		string(sess.Status),
		sess.CurrentNodeID,
		sess.Error,
		pending,
		contextJSON,
		sess.CreatedAt.Format(time.RFC3339Nano),
		sess.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sessionstore: create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*engine.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, graph_id, initial_input, start_node, status, current_node_id, error, pending_input, context, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrSessionNotFound, id)
	}
	return sess, err
}

func (s *SQLiteStore) Update(sess *engine.Session) error {
	pending, contextJSON, err := marshalParts(sess)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, current_node_id = ?, error = ?, pending_input = ?, context = ?, updated_at = ?
		 WHERE id = ?`,
		string(sess.Status),
		sess.CurrentNodeID,
		sess.Error,
		pending,
		contextJSON,
		sess.UpdatedAt.Format(time.RFC3339Nano),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("sessionstore: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessionstore: update rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", engine.ErrSessionNotFound, sess.ID)
	}
	return nil
}

func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sessionstore: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessionstore: delete rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", engine.ErrSessionNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) List() ([]*engine.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, graph_id, initial_input, start_node, status, current_node_id, error, pending_input, context, created_at, updated_at
		 FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: list: %w", err)
	}
	defer rows.Close()

	var out []*engine.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func marshalParts(sess *engine.Session) (pending, contextJSON string, err error) {
	if sess.PendingInput != nil {
		b, err := json.Marshal(sess.PendingInput)
		if err != nil {
			return "", "", fmt.Errorf("sessionstore: marshal pending input: %w", err)
		}
		pending = string(b)
	}
	if sess.Context != nil {
		b, err := json.Marshal(sess.Context)
		if err != nil {
			return "", "", fmt.Errorf("sessionstore: marshal context: %w", err)
		}
		contextJSON = string(b)
	}
	return pending, contextJSON, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*engine.Session, error) {
	var (
		sess        engine.Session
		status      string
		pending     string
		contextJSON string
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&sess.ID,
		&sess.GraphID,
		&sess.InitialInput,
		&sess.StartNode,
		&status,
		&sess.CurrentNodeID,
		&sess.Error,
		&pending,
		&contextJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sessionstore: scan: %w", err)
	}

	sess.Status = engine.SessionStatus(status)
	if pending != "" {
		var pi engine.PendingInput
		if err := json.Unmarshal([]byte(pending), &pi); err != nil {
			return nil, fmt.Errorf("sessionstore: unmarshal pending input: %w", err)
		}
		sess.PendingInput = &pi
	}
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &sess.Context); err != nil {
			return nil, fmt.Errorf("sessionstore: unmarshal context: %w", err)
		}
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("sessionstore: parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("sessionstore: parse updated_at: %w", err)
	}
	return &sess, nil
}

// Compile-time interface check.
var _ engine.SessionStore = (*SQLiteStore)(nil)
