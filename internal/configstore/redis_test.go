package configstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolwatch/internal/config"
	"poolwatch/internal/domain"
)

func newTestStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWithClient(client, config.RedisConfig{}, zerolog.Nop()), mr
}

func ptr[T any](v T) *T {
	return &v
}

func TestWriteAndRead(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Read(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Write(ctx, domain.ConfigUpdate{
		WatchedTargetID: ptr("pool-1"),
		LowerBound:      ptr(decimal.NewFromInt(180)),
		UpperBound:      ptr(decimal.NewFromInt(200)),
	}))

	got, found, err := store.Read(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "pool-1", *got.WatchedTargetID)
	assert.True(t, got.LowerBound.Equal(decimal.NewFromInt(180)))
	assert.True(t, got.UpperBound.Equal(decimal.NewFromInt(200)))
	require.NotNil(t, got.LastUpdated)
}

func TestWriteRejectsInvertedBounds(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.Write(ctx, domain.ConfigUpdate{
		LowerBound: ptr(decimal.NewFromInt(200)),
		UpperBound: ptr(decimal.NewFromInt(180)),
	})
	assert.ErrorIs(t, err, ErrInvalidBounds)

	require.NoError(t, store.Write(ctx, domain.ConfigUpdate{
		LowerBound: ptr(decimal.NewFromInt(10)),
		UpperBound: ptr(decimal.NewFromInt(20)),
	}))
	// partial write is validated against the merged document
	err = store.Write(ctx, domain.ConfigUpdate{LowerBound: ptr(decimal.NewFromInt(25))})
	assert.ErrorIs(t, err, ErrInvalidBounds)

	err = store.Write(ctx, domain.ConfigUpdate{LowerBound: ptr(decimal.NewFromInt(-1))})
	assert.ErrorIs(t, err, ErrNegativeBound)
}

func TestConcurrentPartialWritesNeverInvert(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, store.Write(ctx, domain.ConfigUpdate{
			LowerBound: ptr(decimal.NewFromInt(180)),
			UpperBound: ptr(decimal.NewFromInt(200)),
		}))

		// each write is valid alone; together they would invert the range
		writes := []domain.ConfigUpdate{
			{LowerBound: ptr(decimal.NewFromInt(190))},
			{UpperBound: ptr(decimal.NewFromInt(185))},
		}
		var wg sync.WaitGroup
		errs := make([]error, len(writes))
		for j, w := range writes {
			wg.Add(1)
			go func(j int, w domain.ConfigUpdate) {
				defer wg.Done()
				errs[j] = store.Write(ctx, w)
			}(j, w)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrInvalidBounds)
			}
		}

		got, found, err := store.Read(ctx)
		require.NoError(t, err)
		require.True(t, found)
		require.False(t, got.LowerBound.GreaterThan(*got.UpperBound),
			"stored %s > %s", got.LowerBound, got.UpperBound)
	}
}

func TestObserveDeliversCurrentAndChanges(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.Write(ctx, domain.ConfigUpdate{WatchedTargetID: ptr("pool-1")}))

	updates := make(chan domain.ConfigUpdate, 16)
	done := make(chan error, 1)
	go func() {
		done <- store.Observe(ctx, func(u domain.ConfigUpdate) { updates <- u })
	}()

	first := waitUpdate(t, updates)
	assert.Equal(t, "pool-1", *first.WatchedTargetID)

	require.NoError(t, store.Write(ctx, domain.ConfigUpdate{WatchedTargetID: ptr("pool-2")}))
	for {
		u := waitUpdate(t, updates)
		if *u.WatchedTargetID == "pool-2" {
			break
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Observe did not return after cancel")
	}
}

func TestObserveToleratesMissingDocument(t *testing.T) {
	store, mr := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan domain.ConfigUpdate, 4)
	go func() {
		_ = store.Observe(ctx, func(u domain.ConfigUpdate) { updates <- u })
	}()

	select {
	case u := <-updates:
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(100 * time.Millisecond):
	}

	// a document seeded by another writer arrives through the notification
	mr.HSet("poolwatch:config", "lowerBound", "1", "upperBound", "2")
	require.Eventually(t, func() bool {
		return mr.Publish("poolwatch:config:events", "x") > 0
	}, 2*time.Second, 10*time.Millisecond)

	u := waitUpdate(t, updates)
	assert.True(t, u.LowerBound.Equal(decimal.NewFromInt(1)))
	assert.Nil(t, u.WatchedTargetID)
}

func TestRecordAlertAndRecent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, status := range []domain.ChannelStatus{domain.ChannelSuccess, domain.ChannelFailed} {
		require.NoError(t, store.RecordAlert(ctx, domain.AlertRecord{
			TargetID:      "pool-1",
			Price:         decimal.NewFromInt(int64(170 + i)),
			LowerBound:    decimal.NewFromInt(180),
			UpperBound:    decimal.NewFromInt(200),
			Message:       "msg",
			ChannelStatus: status,
			DispatchedAt:  at.Add(time.Duration(i) * time.Minute),
		}))
	}

	recs, err := store.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.ChannelFailed, recs[0].ChannelStatus)
	assert.True(t, recs[0].Price.Equal(decimal.NewFromInt(171)))
	assert.Equal(t, at, recs[1].DispatchedAt)
}

func TestDisabledStore(t *testing.T) {
	d := NewDisabled(zerolog.Nop())
	ctx := context.Background()

	called := false
	assert.NoError(t, d.Observe(ctx, func(domain.ConfigUpdate) { called = true }))
	assert.False(t, called)
	assert.NoError(t, d.RecordAlert(ctx, domain.AlertRecord{}))
	assert.ErrorIs(t, d.Write(ctx, domain.ConfigUpdate{}), ErrDisabled)
}

func TestParseTimestampAcceptsMillis(t *testing.T) {
	ts, err := parseTimestamp("1700000000000")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ts)

	_, err = parseTimestamp("yesterday")
	assert.Error(t, err)
}

func waitUpdate(t *testing.T, ch <-chan domain.ConfigUpdate) domain.ConfigUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for configuration update")
		return domain.ConfigUpdate{}
	}
}
