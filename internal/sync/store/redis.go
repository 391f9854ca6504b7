package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kimhsiao/reportsync/internal/models"
)

// Redis is a Backend kept in a Redis database. Items live in a hash keyed by
// id; a sorted set scored by an insertion counter preserves queue order.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedisClient parses redisURL, connects and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}

	return client, nil
}

// NewRedis wraps client. All keys are namespaced under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "reportsync"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) itemsKey() string { return r.prefix + ":" + Collection + ":items" }
func (r *Redis) orderKey() string { return r.prefix + ":" + Collection + ":order" }
func (r *Redis) seqKey() string   { return r.prefix + ":" + Collection + ":seq" }
func (r *Redis) metaKey() string  { return r.prefix + ":meta" }
func (r *Redis) auditKey() string { return r.prefix + ":audit" }

// Put implements Store.
func (r *Redis) Put(ctx context.Context, item *models.SyncItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item %s: %w", item.ID, err)
	}

	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate queue position: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.itemsKey(), item.ID, data)
		// NX keeps the first-insertion position on replace.
		pipe.ZAddNX(ctx, r.orderKey(), redis.Z{Score: float64(seq), Member: item.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put item %s: %w", item.ID, err)
	}
	return nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, id string) (*models.SyncItem, error) {
	data, err := r.client.HGet(ctx, r.itemsKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return decodeItem(data)
}

// GetAll implements Store.
func (r *Redis) GetAll(ctx context.Context) ([]*models.SyncItem, error) {
	ids, err := r.client.ZRange(ctx, r.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue order: %w", err)
	}
	if len(ids) == 0 {
		return []*models.SyncItem{}, nil
	}

	values, err := r.client.HMGet(ctx, r.itemsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue items: %w", err)
	}

	items := make([]*models.SyncItem, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Deleted between ZRANGE and HMGET.
			continue
		}
		item, err := decodeItem([]byte(s))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.itemsKey(), id)
		pipe.ZRem(ctx, r.orderKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete item %s: %w", id, err)
	}
	return nil
}

// GetMeta implements MetaStore.
func (r *Redis) GetMeta(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.metaKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return v, true, nil
}

// SetMeta implements MetaStore.
func (r *Redis) SetMeta(ctx context.Context, key, value string) error {
	if err := r.client.HSet(ctx, r.metaKey(), key, value).Err(); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// LogEvent implements AuditSink.
func (r *Redis) LogEvent(ctx context.Context, entry *models.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	if err := r.client.RPush(ctx, r.auditKey(), data).Err(); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditEntries returns the most recent limit audit entries, oldest first.
func (r *Redis) AuditEntries(ctx context.Context, limit int64) ([]*models.AuditEntry, error) {
	raw, err := r.client.LRange(ctx, r.auditKey(), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	entries := make([]*models.AuditEntry, 0, len(raw))
	for _, s := range raw {
		var entry models.AuditEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
