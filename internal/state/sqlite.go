package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteRepository stores session backend state in a local SQLite database.
// Connections are opened per call: invocations are short-lived and the
// database is tiny, so a connection pool buys nothing and a held handle
// complicates serverless reuse.
type SQLiteRepository struct {
	dbPath string
}

// NewSQLite creates the parent directory and schema if needed.
func NewSQLite(dbPath string) (*SQLiteRepository, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("state database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory for %q: %w", dbPath, err)
	}

	r := &SQLiteRepository{dbPath: dbPath}
	if err := r.initDB(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) initDB(ctx context.Context) error {
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_backends (
			session_id TEXT PRIMARY KEY,
			backend_type TEXT NOT NULL,
			state_id TEXT NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		return fmt.Errorf("initialise session state schema: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", r.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state database %q: %w", r.dbPath, err)
	}
	return db, nil
}

func (r *SQLiteRepository) AssignBackend(ctx context.Context, sessionID, backendType string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is empty")
	}
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO session_backends (session_id, backend_type, state_id)
		VALUES (?, ?, '')
		ON CONFLICT(session_id) DO UPDATE SET backend_type = excluded.backend_type
	`, sessionID, backendType)
	if err != nil {
		return fmt.Errorf("assign backend for session %q: %w", sessionID, err)
	}
	return nil
}

func (r *SQLiteRepository) AssignedBackend(ctx context.Context, sessionID string) (string, error) {
	db, err := r.open()
	if err != nil {
		return "", err
	}
	defer db.Close()

	var backendType string
	row := db.QueryRowContext(ctx,
		`SELECT backend_type FROM session_backends WHERE session_id = ?`, sessionID)
	if err := row.Scan(&backendType); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lookup backend for session %q: %w", sessionID, err)
	}
	return backendType, nil
}

func (r *SQLiteRepository) SaveState(ctx context.Context, sessionID, stateID string) error {
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()

	// Last write wins under concurrent recreation of an expired sandbox; the
	// losing sandbox is reclaimed by the remote platform's idle timeout.
	res, err := db.ExecContext(ctx,
		`UPDATE session_backends SET state_id = ? WHERE session_id = ?`, stateID, sessionID)
	if err != nil {
		return fmt.Errorf("save state for session %q: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save state for session %q: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("save state for session %q: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) State(ctx context.Context, sessionID string) (string, error) {
	db, err := r.open()
	if err != nil {
		return "", err
	}
	defer db.Close()

	var stateID string
	row := db.QueryRowContext(ctx,
		`SELECT state_id FROM session_backends WHERE session_id = ?`, sessionID)
	if err := row.Scan(&stateID); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lookup state for session %q: %w", sessionID, err)
	}
	if stateID == "" {
		return "", ErrNotFound
	}
	return stateID, nil
}

func (r *SQLiteRepository) DeleteState(ctx context.Context, sessionID string) error {
	db, err := r.open()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx,
		`DELETE FROM session_backends WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete state for session %q: %w", sessionID, err)
	}
	return nil
}

func (r *SQLiteRepository) HasState(ctx context.Context, sessionID string) (bool, error) {
	_, err := r.State(ctx, sessionID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
