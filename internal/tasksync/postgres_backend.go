package tasksync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSnapshotTable    = "tasksync_snapshots"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores the snapshot as one row per workspace,
// upserted whole. Used when several clients share a server-side cache.
type PostgresBackend struct {
	dsn         string
	workspaceID string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn, workspaceID string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	if strings.TrimSpace(workspaceID) == "" {
		return nil, fmt.Errorf("%w: workspace id is required", ErrInvalidInput)
	}
	return &PostgresBackend{
		dsn:         dsn,
		workspaceID: workspaceID,
		openDB:      sql.Open,
	}, nil
}

func (b *PostgresBackend) Load() (*StoreSnapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT snapshot FROM %s WHERE workspace_id = $1", postgresSnapshotTable),
		b.workspaceID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot StoreSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresBackend) Save(snapshot *StoreSnapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (workspace_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (workspace_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresSnapshotTable)
	_, err = b.db.ExecContext(ctx, query, b.workspaceID, string(payload))
	return err
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				workspace_id TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresSnapshotTable)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
