// Package deadletter holds batch items that could not be stored so they can
// be retried out of band.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Entry is one failed ingestion item.
type Entry struct {
	UserID   string                 `json:"user_id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Error    string                 `json:"error"`
	FailedAt time.Time              `json:"failed_at"`
}

// RedisQueue is a FIFO list in Redis. Publish pushes on the left and Drain
// pops from the right.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue connects to url (redis://...) and verifies the connection.
func NewRedisQueue(ctx context.Context, url, key string) (*RedisQueue, error) {
	if key == "" {
		return nil, errors.New("deadletter: queue key is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("deadletter: parse redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("deadletter: connect to redis: %w", err)
	}
	return &RedisQueue{client: client, key: key}, nil
}

// Publish appends an entry.
func (q *RedisQueue) Publish(ctx context.Context, entry Entry) error {
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	data, err := sonic.Marshal(entry)
	if err != nil {
		return fmt.Errorf("deadletter: marshal entry: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("deadletter: push to %s: %w", q.key, err)
	}
	return nil
}

// Len returns the number of queued entries.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("deadletter: length of %s: %w", q.key, err)
	}
	return n, nil
}

// Drain removes and returns up to max of the oldest entries. Entries that
// fail to decode are dropped and reported in the returned error after the
// rest are returned.
func (q *RedisQueue) Drain(ctx context.Context, max int) ([]Entry, error) {
	var (
		out     []Entry
		badJSON []error
	)
	for len(out)+len(badJSON) < max {
		raw, err := q.client.RPop(ctx, q.key).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("deadletter: pop from %s: %w", q.key, err)
		}
		var entry Entry
		if err := sonic.UnmarshalString(raw, &entry); err != nil {
			badJSON = append(badJSON, err)
			continue
		}
		out = append(out, entry)
	}
	if len(badJSON) > 0 {
		return out, fmt.Errorf("deadletter: dropped %d undecodable entries: %w", len(badJSON), errors.Join(badJSON...))
	}
	return out, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
