package redisstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/flowmetrics/internal/domain"
	"github.com/splax/flowmetrics/internal/repository"
)

var t0 = time.Date(2025, time.May, 20, 8, 0, 0, 987654321, time.UTC)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "", nil), client
}

func entryAt(t *testing.T, cid string, point domain.MeasurementPoint, ts time.Time) domain.MetricEntry {
	t.Helper()
	entry, err := domain.NewMetricEntry(domain.MetricEntryParams{
		Timestamp:        ts,
		CorrelationID:    cid,
		ProcessModelID:   "p1",
		MeasurementPoint: point,
	})
	require.NoError(t, err)
	return entry
}

func TestStore_WriteAndRead(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	started := entryAt(t, "c1", domain.OnProcessStarted, t0)
	entered, err := domain.NewMetricEntry(domain.MetricEntryParams{
		Timestamp:          t0.Add(time.Second),
		CorrelationID:      "c1",
		ProcessModelID:     "p1",
		FlowNodeInstanceID: "f1",
		FlowNodeID:         "Task_1",
		MeasurementPoint:   domain.OnEnter,
	})
	require.NoError(t, err)
	finished := entryAt(t, "c1", domain.OnProcessFinished, t0.Add(2*time.Second))

	for _, entry := range []domain.MetricEntry{started, entered, finished} {
		require.NoError(t, store.WriteEntry(ctx, entry))
	}

	result, err := store.ReadEntriesForProcessModel(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, result.Warning)
	require.Len(t, result.Entries, 3)
	assert.True(t, result.Entries[0].Equal(started))
	assert.True(t, result.Entries[1].Equal(entered))
	assert.True(t, result.Entries[2].Equal(finished))
}

func TestStore_ReadMissingStream(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	result, err := store.ReadEntriesForProcessModel(context.Background(), "unknown")
	require.NoError(t, err)
	assert.NotNil(t, result.Entries)
	assert.Empty(t, result.Entries)
	assert.Nil(t, result.Warning)
}

func TestStore_ReadRejectsEmptyID(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, err := store.ReadEntriesForProcessModel(context.Background(), "")
	assert.ErrorIs(t, err, repository.ErrInvalidArgument)
}

func TestStore_ReadPagesThroughLongStreams(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	total := pageSize*2 + 7
	for i := 0; i < total; i++ {
		require.NoError(t, store.WriteEntry(ctx, entryAt(t, fmt.Sprintf("c%d", i), domain.OnProcessStarted, t0)))
	}

	result, err := store.ReadEntriesForProcessModel(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, result.Entries, total)
	for i, entry := range result.Entries {
		require.Equal(t, fmt.Sprintf("c%d", i), entry.CorrelationID())
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, store.WriteEntry(ctx, entryAt(t, fmt.Sprintf("w%d-%d", w, i), domain.OnProcessStarted, t0)))
			}
		}(w)
	}
	wg.Wait()

	result, err := store.ReadEntriesForProcessModel(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, result.Entries, 200)
	seen := make(map[string]bool, 200)
	for _, entry := range result.Entries {
		assert.False(t, seen[entry.CorrelationID()], "duplicate %s", entry.CorrelationID())
		seen[entry.CorrelationID()] = true
	}
}

func TestStore_SkipsCorruptMessages(t *testing.T) {
	t.Parallel()

	store, client := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.WriteEntry(ctx, entryAt(t, "c1", domain.OnProcessStarted, t0)))
	badID, err := client.XAdd(ctx, &redis.XAddArgs{Stream: DefaultPrefix + "p1", Values: []any{recordField, "00000000 {}"}}).Result()
	require.NoError(t, err)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: DefaultPrefix + "p1", Values: []any{"other", "x"}}).Err())
	require.NoError(t, store.WriteEntry(ctx, entryAt(t, "c1", domain.OnProcessFinished, t0.Add(time.Second))))

	result, err := store.ReadEntriesForProcessModel(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	require.NotNil(t, result.Warning)
	require.Len(t, result.Warning.Skipped, 2)
	assert.Equal(t, "stream id "+badID, result.Warning.Skipped[0].Position)
	assert.ErrorIs(t, result.Warning, repository.ErrCorruptRecord)
}

func TestStore_WriteFailsWhenServerGone(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := New(client, "", nil)
	mr.Close()

	err = store.WriteEntry(context.Background(), entryAt(t, "c1", domain.OnProcessStarted, t0))
	assert.ErrorIs(t, err, repository.ErrStorage)
}

func TestStore_CancelledContext(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.WriteEntry(ctx, entryAt(t, "c1", domain.OnProcessStarted, t0)), context.Canceled)
	_, err := store.ReadEntriesForProcessModel(ctx, "p1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextID(t *testing.T) {
	t.Parallel()

	id, err := nextID("1700000000000-9")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-10", id)

	_, err = nextID("garbage")
	assert.Error(t, err)
}
