package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/advancedcontrol/engine/pkg/types"
)

const schema = `CREATE TABLE IF NOT EXISTS modules (
	id         TEXT PRIMARY KEY,
	role       TEXT NOT NULL,
	dependency TEXT NOT NULL,
	running    INTEGER NOT NULL DEFAULT 0,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLite is a Store backed by a SQLite table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens path with WAL journaling and a busy timeout, creating
// the table when missing.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare sqlite %s: %w", path, err)
		}
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Put inserts or replaces settings.
func (s *SQLite) Put(ctx context.Context, st types.Settings) error {
	st, err := validate(st)
	if err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode settings %s: %w", st.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO modules (id, role, dependency, running, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET role=excluded.role, dependency=excluded.dependency,
		 running=excluded.running, data=excluded.data, updated_at=excluded.updated_at`,
		string(st.ID), string(st.Role), st.Dependency, st.Running, string(data), st.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store settings %s: %w", st.ID, err)
	}
	return nil
}

// Delete removes a module's settings.
func (s *SQLite) Delete(ctx context.Context, id types.ModuleID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM modules WHERE id = ?`, string(id))
	return err
}

func (s *SQLite) Get(ctx context.Context, id types.ModuleID) (types.Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM modules WHERE id = ?`, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Settings{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return types.Settings{}, fmt.Errorf("load settings %s: %w", id, err)
	}
	return decode(data)
}

func (s *SQLite) List(ctx context.Context) ([]types.Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM modules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()
	var out []types.Settings
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		st, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func decode(data string) (types.Settings, error) {
	var st types.Settings
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return st, fmt.Errorf("decode settings: %w", err)
	}
	return st, nil
}
