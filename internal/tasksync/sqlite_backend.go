package tasksync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName       = "sqlite"
	sqliteOperationTimeout = 5 * time.Second
)

// SQLiteBackend is the default durable store: task records as one row
// per task, sync metadata as name/value rows.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	backend := &SQLiteBackend{db: db}
	if err := backend.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

func NewSQLiteBackendInMemory() (*SQLiteBackend, error) {
	db, err := sql.Open(sqliteDriverName, "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	backend := &SQLiteBackend{db: db}
	if err := backend.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_records (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sync_meta (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_records_workspace ON task_records(workspace_id);`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Load() (*StoreSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	version, err := b.metaValue(ctx, "schema_version")
	if err != nil {
		return nil, err
	}
	if version == "" {
		return nil, nil
	}
	schemaVersion, err := strconv.Atoi(version)
	if err != nil {
		return nil, fmt.Errorf("parse schema version %q: %w", version, err)
	}

	snapshot := &StoreSnapshot{
		SchemaVersion: schemaVersion,
		Tasks:         map[string]TaskRecord{},
	}
	if workspaceID, err := b.metaValue(ctx, "workspace_id"); err == nil {
		snapshot.WorkspaceID = workspaceID
	} else {
		return nil, err
	}
	if rawMeta, err := b.metaValue(ctx, "sync_meta"); err != nil {
		return nil, err
	} else if rawMeta != "" {
		if err := json.Unmarshal([]byte(rawMeta), &snapshot.Meta); err != nil {
			return nil, fmt.Errorf("decode sync metadata: %w", err)
		}
	}

	rows, err := b.db.QueryContext(ctx, `SELECT id, payload FROM task_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var task TaskRecord
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		snapshot.Tasks[id] = task
	}
	return snapshot, rows.Err()
}

// Save replaces the stored snapshot in one transaction: the durable
// store mirrors the in-memory index, it is not an event log.
func (b *SQLiteBackend) Save(snapshot *StoreSnapshot) error {
	if snapshot == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_records`); err != nil {
		return err
	}
	for id, task := range snapshot.Tasks {
		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_records(id, workspace_id, payload, updated_at) VALUES(?, ?, ?, ?)`,
			id, task.WorkspaceID, string(payload), task.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
	}

	rawMeta, err := json.Marshal(snapshot.Meta)
	if err != nil {
		return err
	}
	metaRows := map[string]string{
		"schema_version": strconv.Itoa(snapshot.SchemaVersion),
		"workspace_id":   snapshot.WorkspaceID,
		"sync_meta":      string(rawMeta),
	}
	for name, value := range metaRows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sync_meta(name, value) VALUES(?, ?)
			 ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *SQLiteBackend) metaValue(ctx context.Context, name string) (string, error) {
	var value string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
