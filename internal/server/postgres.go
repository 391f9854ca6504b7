package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kimhsiao/reportsync/internal/models"
)

const (
	MaxConns        = 10
	MinConns        = 2
	MaxConnLifetime = 10 * time.Minute
	MaxConnIdleTime = 5 * time.Minute
)

// NewPostgresPool parses databaseURL, opens a pool and pings it.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgres config: %w", err)
	}

	config.MaxConns = MaxConns
	config.MinConns = MinConns
	config.MaxConnLifetime = MaxConnLifetime
	config.MaxConnIdleTime = MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging postgres pool: %w", err)
	}

	return pool, nil
}

const recordsSchema = `
CREATE TABLE IF NOT EXISTS sync_records (
	item_type   TEXT        NOT NULL,
	item_id     TEXT        NOT NULL,
	server_id   TEXT        NOT NULL,
	device_id   TEXT        NOT NULL,
	payload     JSONB       NOT NULL,
	created_at  BIGINT      NOT NULL,
	updated_at  BIGINT      NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (item_type, item_id)
)`

// PostgresRepository is a RecordRepository backed by the sync_records table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema creates the records table when it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, recordsSchema); err != nil {
		return fmt.Errorf("failed to create sync_records: %w", err)
	}
	return nil
}

// Get implements RecordRepository.
func (r *PostgresRepository) Get(ctx context.Context, itemType models.ItemType, id string) (*Record, error) {
	query := `SELECT item_type, item_id, server_id, device_id, payload, created_at, updated_at, received_at
	          FROM sync_records
	          WHERE item_type = $1 AND item_id = $2`

	var (
		rec     Record
		typ     string
		payload []byte
	)
	err := r.pool.QueryRow(ctx, query, string(itemType), id).Scan(
		&typ,
		&rec.ID,
		&rec.ServerID,
		&rec.DeviceID,
		&payload,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ReceivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", itemType, id, err)
	}

	rec.Type = models.ItemType(typ)
	rec.Payload = payload
	return &rec, nil
}

// Upsert implements RecordRepository.
func (r *PostgresRepository) Upsert(ctx context.Context, rec *Record) error {
	query := `INSERT INTO sync_records (item_type, item_id, server_id, device_id, payload, created_at, updated_at, received_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT (item_type, item_id) DO UPDATE SET
	              device_id = EXCLUDED.device_id,
	              payload = EXCLUDED.payload,
	              updated_at = EXCLUDED.updated_at,
	              received_at = EXCLUDED.received_at
	          RETURNING server_id`

	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	err := r.pool.QueryRow(ctx, query,
		string(rec.Type),
		rec.ID,
		rec.ServerID,
		rec.DeviceID,
		string(rec.Payload),
		rec.CreatedAt,
		rec.UpdatedAt,
		receivedAt,
	).Scan(&rec.ServerID)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Type, rec.ID, err)
	}
	return nil
}

// Count implements RecordRepository.
func (r *PostgresRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM sync_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}
