package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

const stateSchema = `
	CREATE TABLE IF NOT EXISTS connector_state (
		connector          TEXT PRIMARY KEY,
		last_run_timestamp BIGINT NOT NULL,
		previous_snapshot  JSONB NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	)
`

// PostgresStateStore keeps one row of run state per connector.
type PostgresStateStore struct {
	db *pgxpool.Pool
}

var _ ports.StateStore = (*PostgresStateStore)(nil)

func NewPostgresStateStore(db *pgxpool.Pool) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

// OpenPostgresStateStore connects to dsn and makes sure the table exists.
func OpenPostgresStateStore(ctx context.Context, dsn string) (*PostgresStateStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	store := NewPostgresStateStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (r *PostgresStateStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, stateSchema); err != nil {
		return fmt.Errorf("failed to create connector_state table: %w", err)
	}
	return nil
}

func (r *PostgresStateStore) Load(ctx context.Context, connector string) (domain.RunState, error) {
	query := `
		SELECT last_run_timestamp, previous_snapshot
		FROM connector_state
		WHERE connector = $1
	`

	var (
		ts   int64
		snap []byte
	)
	err := r.db.QueryRow(ctx, query, connector).Scan(&ts, &snap)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RunState{Snapshot: make(domain.KeySet)}, nil
	}
	if err != nil {
		return domain.RunState{}, fmt.Errorf("failed to load state of %s: %w", connector, err)
	}

	return decodeState(ts, snap)
}

// Save replaces the connector's row inside one transaction.
func (r *PostgresStateStore) Save(ctx context.Context, connector string, state domain.RunState) error {
	snap, err := encodeSnapshot(state)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO connector_state (connector, last_run_timestamp, previous_snapshot, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (connector) DO UPDATE
		SET last_run_timestamp = EXCLUDED.last_run_timestamp,
		    previous_snapshot = EXCLUDED.previous_snapshot,
		    updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.Exec(ctx, query, connector, state.LastRunTimestamp, snap, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save state of %s: %w", connector, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit state of %s: %w", connector, err)
	}
	return nil
}

func (r *PostgresStateStore) Close() error {
	r.db.Close()
	return nil
}
