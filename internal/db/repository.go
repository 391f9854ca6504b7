// Package db provides the SQLite implementation of the sync record store.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kimhsiao/reportsync/internal/models"
	"github.com/kimhsiao/reportsync/internal/sync/store"
)

const (
	queryPutItem = `INSERT INTO sync_queue (id, type, status, payload, retry_count, created_at, last_attempt, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			payload = excluded.payload,
			retry_count = excluded.retry_count,
			created_at = excluded.created_at,
			last_attempt = excluded.last_attempt,
			error = excluded.error`
	querySelectItems = `SELECT id, type, status, payload, retry_count, created_at, last_attempt, error FROM sync_queue`
	queryDeleteItem  = `DELETE FROM sync_queue WHERE id = ?`
	queryGetMeta     = `SELECT value FROM sync_meta WHERE key = ?`
	querySetMeta     = `INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	queryInsertAudit = `INSERT INTO audit_log (id, action, item_id, device_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
)

// Repository stores the sync queue, process metadata and the audit log in
// SQLite. It implements store.Backend.
type Repository struct {
	db    *sql.DB
	owned *DB

	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

var _ store.Backend = (*Repository)(nil)

// NewRepository creates a Repository over an already migrated database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// OpenStore opens (or creates) the database in dataDir, applies migrations and
// returns a Repository that closes the database on Close.
func OpenStore(dataDir string) (*Repository, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	return newOwnedRepository(database)
}

// OpenMemoryStore is OpenStore for a private in-memory database.
func OpenMemoryStore() (*Repository, error) {
	database, err := OpenMemory()
	if err != nil {
		return nil, err
	}
	return newOwnedRepository(database)
}

func newOwnedRepository(database *DB) (*Repository, error) {
	if err := Migrate(database.DB); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	repo := NewRepository(database.DB)
	repo.owned = database
	return repo, nil
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared the same query meanwhile.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements, and the database when the
// Repository opened it.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	if r.owned != nil {
		if err := r.owned.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// =====================================================
// Sync Queue Operations
// =====================================================

// Put inserts or replaces an item. The row keeps its rowid on replace, so
// GetAll order stays first-insertion order.
func (r *Repository) Put(ctx context.Context, item *models.SyncItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", item.ID, err)
	}

	stmt, err := r.PrepareStmt(queryPutItem)
	if err != nil {
		return err
	}

	var lastAttempt sql.NullInt64
	if item.LastAttempt != nil {
		lastAttempt = sql.NullInt64{Int64: *item.LastAttempt, Valid: true}
	}

	_, err = stmt.ExecContext(ctx,
		item.ID, string(item.Type), string(item.Status), string(payload),
		item.RetryCount, item.CreatedAt, lastAttempt, item.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to put sync item %s: %w", item.ID, err)
	}
	return nil
}

// Get returns store.ErrNotFound when id is absent.
func (r *Repository) Get(ctx context.Context, id string) (*models.SyncItem, error) {
	stmt, err := r.PrepareStmt(querySelectItems + ` WHERE id = ?`)
	if err != nil {
		return nil, err
	}

	item, err := scanItem(stmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync item %s: %w", id, err)
	}
	return item, nil
}

// GetAll returns every queued item in insertion order.
func (r *Repository) GetAll(ctx context.Context) ([]*models.SyncItem, error) {
	stmt, err := r.PrepareStmt(querySelectItems + ` ORDER BY rowid`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync items: %w", err)
	}
	defer rows.Close()

	items := []*models.SyncItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete removes an item. Deleting an absent id is not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	stmt, err := r.PrepareStmt(queryDeleteItem)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to delete sync item %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*models.SyncItem, error) {
	var (
		item        models.SyncItem
		itemType    string
		status      string
		payload     string
		lastAttempt sql.NullInt64
	)
	if err := row.Scan(&item.ID, &itemType, &status, &payload, &item.RetryCount,
		&item.CreatedAt, &lastAttempt, &item.Error); err != nil {
		return nil, err
	}

	item.Type = models.ItemType(itemType)
	item.Status = models.ItemStatus(status)
	if lastAttempt.Valid {
		at := lastAttempt.Int64
		item.LastAttempt = &at
	}

	decoded, err := models.DecodePayload(item.Type, json.RawMessage(payload))
	if err != nil {
		return nil, err
	}
	item.Payload = decoded
	return &item, nil
}

// =====================================================
// Meta Operations
// =====================================================

// GetMeta reports ok=false when key has never been set.
func (r *Repository) GetMeta(ctx context.Context, key string) (string, bool, error) {
	stmt, err := r.PrepareStmt(queryGetMeta)
	if err != nil {
		return "", false, err
	}

	var value string
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta upserts a metadata value.
func (r *Repository) SetMeta(ctx context.Context, key, value string) error {
	stmt, err := r.PrepareStmt(querySetMeta)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// =====================================================
// Audit Log Operations
// =====================================================

// LogEvent appends an audit entry.
func (r *Repository) LogEvent(ctx context.Context, entry *models.AuditEntry) error {
	var detail sql.NullString
	if len(entry.Detail) > 0 {
		data, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode audit detail: %w", err)
		}
		detail = sql.NullString{String: string(data), Valid: true}
	}

	stmt, err := r.PrepareStmt(queryInsertAudit)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, entry.ID, entry.Action, entry.ItemID, entry.DeviceID, detail, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns the newest limit entries, newest first.
func (r *Repository) ListAuditEntries(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, action, item_id, device_id, detail, created_at FROM audit_log
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var (
			entry  models.AuditEntry
			detail sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.ItemID, &entry.DeviceID, &detail, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &entry.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail: %w", err)
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
