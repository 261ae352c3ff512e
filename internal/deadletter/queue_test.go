package deadletter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(context.Background(), fmt.Sprintf("redis://%s", mr.Addr()), "mnemos:deadletter")
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestRedisQueue_PublishDrainFIFO(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Publish(ctx, Entry{
			UserID:  "u1",
			Content: fmt.Sprintf("item %d", i),
			Error:   "vector store down",
		}))
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	entries, err := q.Drain(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "item 0", entries[0].Content)
	assert.Equal(t, "item 1", entries[1].Content)
	assert.False(t, entries[0].FailedAt.IsZero())

	entries, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "item 2", entries[0].Content)

	entries, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisQueue_PreservesFields(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	failedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, q.Publish(ctx, Entry{
		UserID:   "u1",
		Content:  "hello",
		Metadata: map[string]interface{}{"tag": "x"},
		Error:    "boom",
		FailedAt: failedAt,
	}))

	entries, err := q.Drain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x", entries[0].Metadata["tag"])
	assert.Equal(t, "boom", entries[0].Error)
	assert.True(t, failedAt.Equal(entries[0].FailedAt))
}

func TestRedisQueue_DrainSkipsUndecodable(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush("mnemos:deadletter", "not json")
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, Entry{UserID: "u1", Content: "ok"}))

	entries, err := q.Drain(ctx, 10)
	require.Error(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok", entries[0].Content)
}

func TestNewRedisQueue_Errors(t *testing.T) {
	_, err := NewRedisQueue(context.Background(), "redis://127.0.0.1:1", "")
	assert.Error(t, err)

	_, err = NewRedisQueue(context.Background(), "not a url", "k")
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisQueue(context.Background(), "redis://"+addr, "k")
	assert.Error(t, err)
}
