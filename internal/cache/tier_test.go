package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonhuntr/lokal/internal/clock"
	"github.com/dragonhuntr/lokal/internal/metrics"
)

var testNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestTier(t *testing.T, store Store, clk *clock.MockClock, opts Options) *Tier {
	t.Helper()
	opts.Clock = clk
	tier, err := NewTier(store, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close(context.Background()) })
	return tier
}

func newMemoryTier(t *testing.T, opts Options) (*Tier, *MemoryStore, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(testNow)
	store := NewMemoryStore(100, clk)
	return newTestTier(t, store, clk, opts), store, clk
}

type fetchCounter struct {
	calls atomic.Int32
}

func (c *fetchCounter) returning(v string) Fetcher[string] {
	return func(context.Context) (string, error) {
		c.calls.Add(1)
		return v, nil
	}
}

func TestGetCached_RoundTrip(t *testing.T) {
	tier, _, _ := newMemoryTier(t, Options{})
	ctx := context.Background()
	var fc fetchCounter

	v, err := GetCached(ctx, tier, "routes", time.Minute, fc.returning("fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.EqualValues(t, 1, fc.calls.Load())

	v, err = GetCached(ctx, tier, "routes", time.Minute, fc.returning("other"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.EqualValues(t, 1, fc.calls.Load(), "second call within ttl must not fetch")
}

func TestGetCached_StructValues(t *testing.T) {
	type route struct {
		ID    string
		Stops []string
	}
	tier, _, _ := newMemoryTier(t, Options{})
	ctx := context.Background()
	want := []route{{ID: "r1", Stops: []string{"a", "b"}}}

	_, err := GetCached(ctx, tier, "k", time.Minute, func(context.Context) ([]route, error) { return want, nil })
	require.NoError(t, err)

	got, err := GetCached(ctx, tier, "k", time.Minute, func(context.Context) ([]route, error) {
		return nil, errors.New("should not be called")
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGetCached_Expiry(t *testing.T) {
	tier, _, clk := newMemoryTier(t, Options{})
	ctx := context.Background()
	var fc fetchCounter

	_, err := GetCached(ctx, tier, "stops", time.Minute, fc.returning("v1"))
	require.NoError(t, err)

	clk.Advance(59 * time.Second)
	v, _ := GetCached(ctx, tier, "stops", time.Minute, fc.returning("v2"))
	assert.Equal(t, "v1", v)

	clk.Advance(2 * time.Second)
	v, _ = GetCached(ctx, tier, "stops", time.Minute, fc.returning("v2"))
	assert.Equal(t, "v2", v)
	assert.EqualValues(t, 2, fc.calls.Load())
}

func TestGetCached_EnvelopeExpiryWins(t *testing.T) {
	tier, store, clk := newMemoryTier(t, Options{})
	ctx := context.Background()

	stale, err := tier.codec.encode("stale", clk.Now().Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, tier.key("k"), stale, time.Hour))

	var fc fetchCounter
	v, err := GetCached(ctx, tier, "k", time.Minute, fc.returning("fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.EqualValues(t, 1, fc.calls.Load())
}

func storedExpiry(t *testing.T, tier *Tier, store Store, key string) time.Time {
	t.Helper()
	raw, found, err := store.Get(context.Background(), tier.key(key))
	require.NoError(t, err)
	require.True(t, found)
	var v string
	exp, err := tier.codec.decode(raw, &v)
	require.NoError(t, err)
	return exp
}

func TestGetCachedWithJitter_Bounds(t *testing.T) {
	ttl := 10 * time.Second
	const percent = 20.0
	lower := testNow.Add(8 * time.Second)
	upper := testNow.Add(12 * time.Second)

	t.Run("random draws stay in band", func(t *testing.T) {
		tier, store, _ := newMemoryTier(t, Options{})
		ctx := context.Background()
		var fc fetchCounter
		spread := map[int64]bool{}

		for i := 0; i < 200; i++ {
			key := fmt.Sprintf("vehicles:%d", i)
			_, err := GetCachedWithJitter(ctx, tier, key, ttl, percent, fc.returning("v"))
			require.NoError(t, err)

			exp := storedExpiry(t, tier, store, key)
			assert.False(t, exp.Before(lower), "expiry %v below band", exp)
			assert.False(t, exp.After(upper), "expiry %v above band", exp)
			spread[exp.UnixMilli()] = true
		}
		assert.Greater(t, len(spread), 1, "jitter should decorrelate expiries")
	})

	t.Run("extremes of the uniform draw", func(t *testing.T) {
		for _, tc := range []struct {
			name string
			u    float64
			want time.Time
		}{
			{"lowest", 0, lower},
			{"middle", 0.5, testNow.Add(ttl)},
		} {
			t.Run(tc.name, func(t *testing.T) {
				tier, store, _ := newMemoryTier(t, Options{Rand: func() float64 { return tc.u }})
				_, err := GetCachedWithJitter(context.Background(), tier, "k", ttl, percent, func(context.Context) (int, error) { return 1, nil })
				require.NoError(t, err)

				raw, _, err := store.Get(context.Background(), tier.key("k"))
				require.NoError(t, err)
				var v int
				exp, err := tier.codec.decode(raw, &v)
				require.NoError(t, err)
				assert.Equal(t, tc.want.UnixMilli(), exp.UnixMilli())
			})
		}
	})
}

func TestGetCached_FetchErrorNotCached(t *testing.T) {
	tier, _, _ := newMemoryTier(t, Options{})
	ctx := context.Background()
	boom := errors.New("provider down")
	calls := 0

	fetch := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", boom
		}
		return "ok", nil
	}

	_, err := GetCached(ctx, tier, "k", time.Minute, fetch)
	assert.ErrorIs(t, err, boom)

	v, err := GetCached(ctx, tier, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestGetCached_CorruptEntryEvicted(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"unknown marker", []byte("garbage")},
		{"bad json", append([]byte{markerPlain}, []byte(`{"v":`)...)},
		{"bad zstd", append([]byte{markerZstd}, []byte("not zstd at all")...)},
		{"wrong type", append([]byte{markerPlain}, []byte(`{"v":{"a":1},"exp":99999999999999}`)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, store, _ := newMemoryTier(t, Options{})
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, tier.key("k"), tt.raw, time.Hour))

			var fc fetchCounter
			v, err := GetCached(ctx, tier, "k", time.Minute, fc.returning("repaired"))
			require.NoError(t, err)
			assert.Equal(t, "repaired", v)

			v, err = GetCached(ctx, tier, "k", time.Minute, fc.returning("again"))
			require.NoError(t, err)
			assert.Equal(t, "repaired", v)
			assert.EqualValues(t, 1, fc.calls.Load())
		})
	}
}

func TestSetCached_OversizeSkipped(t *testing.T) {
	m := metrics.New()
	tier, store, _ := newMemoryTier(t, Options{MaxValueBytes: 64, CompressAboveBytes: 0, Metrics: m})
	ctx := context.Background()
	big := strings.Repeat("x", 200)
	var fc fetchCounter

	v, err := GetCached(ctx, tier, "big", time.Minute, fc.returning(big))
	require.NoError(t, err)
	assert.Equal(t, big, v, "oversize values are still returned")

	_, found, err := store.Get(ctx, tier.key("big"))
	require.NoError(t, err)
	assert.False(t, found)

	_, err = GetCached(ctx, tier, "big", time.Minute, fc.returning(big))
	require.NoError(t, err)
	assert.EqualValues(t, 2, fc.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheOversizeSkipTotal))
}

func TestSetCached_Compression(t *testing.T) {
	tier, store, _ := newMemoryTier(t, Options{CompressAboveBytes: 32})
	ctx := context.Background()
	long := strings.Repeat("stop-", 500)

	SetCached(ctx, tier, "long", long, time.Minute)
	SetCached(ctx, tier, "short", "s", time.Minute)

	raw, found, err := store.Get(ctx, tier.key("long"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, markerZstd, raw[0])
	assert.Less(t, len(raw), len(long))

	raw, _, _ = store.Get(ctx, tier.key("short"))
	assert.Equal(t, markerPlain, raw[0])

	got, err := GetCached(ctx, tier, "long", time.Minute, func(context.Context) (string, error) {
		return "", errors.New("should hit")
	})
	require.NoError(t, err)
	assert.Equal(t, long, got)
}

func TestGetCachedBatch(t *testing.T) {
	tier, _, clk := newMemoryTier(t, Options{})
	ctx := context.Background()

	SetCached(ctx, tier, "vehicles:route:1", []int{1}, time.Minute)
	SetCached(ctx, tier, "vehicles:route:2", []int{2, 2}, 10*time.Second)

	got := GetCachedBatch[[]int](ctx, tier, []string{"vehicles:route:1", "vehicles:route:2", "vehicles:route:3"})
	assert.Equal(t, map[string][]int{
		"vehicles:route:1": {1},
		"vehicles:route:2": {2, 2},
	}, got)

	clk.Advance(30 * time.Second)
	got = GetCachedBatch[[]int](ctx, tier, []string{"vehicles:route:1", "vehicles:route:2"})
	assert.Equal(t, map[string][]int{"vehicles:route:1": {1}}, got)

	assert.Empty(t, GetCachedBatch[[]int](ctx, tier, nil))
}

func TestDeleteAndDeletePattern(t *testing.T) {
	tier, store, _ := newMemoryTier(t, Options{ScanBatch: 1})
	ctx := context.Background()

	for _, k := range []string{"transit:route:1", "transit:route:2", "transit:route:3", "transit:routes", "other"} {
		SetCached(ctx, tier, k, k, time.Minute)
	}

	assert.Equal(t, 3, tier.DeletePattern(ctx, "transit:route:*"))

	keys := map[string]bool{}
	require.NoError(t, store.Scan(ctx, "*", 10, func(batch []string) error {
		for _, k := range batch {
			keys[k] = true
		}
		return nil
	}))
	assert.Equal(t, map[string]bool{"lokal:transit:routes": true, "lokal:other": true}, keys)

	tier.Delete(ctx, "other")
	_, found, _ := store.Get(ctx, tier.key("other"))
	assert.False(t, found)

	assert.Equal(t, 0, tier.DeletePattern(ctx, "nothing:*"))
}

func TestDegradation(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	store := newFlakyStore(NewMemoryStore(100, clk))
	m := metrics.New()
	tier := newTestTier(t, store, clk, Options{Metrics: m})
	ctx := context.Background()
	var fc fetchCounter

	require.True(t, tier.Health().Ready())
	_, err := GetCached(ctx, tier, "k", time.Minute, fc.returning("cached"))
	require.NoError(t, err)

	store.goDown(errors.New("connection reset"))
	assert.False(t, tier.Health().Ready())
	assert.Contains(t, tier.Health().Status(), "connection reset")
	getsBefore := store.gets.Load()

	for i := 0; i < 3; i++ {
		v, err := GetCached(ctx, tier, "k", time.Minute, func(context.Context) (string, error) {
			fc.calls.Add(1)
			time.Sleep(5 * time.Millisecond)
			return "direct", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "direct", v)
	}
	assert.EqualValues(t, 4, fc.calls.Load())
	assert.Equal(t, getsBefore, store.gets.Load(), "degraded tier must not touch the store")
	assert.Empty(t, GetCachedBatch[string](ctx, tier, []string{"k"}))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CacheRequestsTotal.WithLabelValues("bypass")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CacheStoreReady))

	store.comeBack()
	assert.True(t, tier.Health().Ready())
	v, err := GetCached(ctx, tier, "k", time.Minute, fc.returning("unused"))
	require.NoError(t, err)
	assert.Equal(t, "cached", v)
}

func TestHealth_ChangedAtUsesTierClock(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	store := newFlakyStore(NewMemoryStore(100, clk))
	tier := newTestTier(t, store, clk, Options{})
	assert.Equal(t, testNow, tier.Health().ChangedAt())

	clk.Advance(time.Minute)
	store.goDown(errors.New("connection reset"))
	assert.Equal(t, testNow.Add(time.Minute), tier.Health().ChangedAt())

	clk.Advance(time.Minute)
	store.comeBack()
	assert.Equal(t, testNow.Add(2*time.Minute), tier.Health().ChangedAt())
}

func TestGetCached_StoreFailsMidRequest(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	store := newFlakyStore(NewMemoryStore(100, clk))
	tier := newTestTier(t, store, clk, Options{})
	ctx := context.Background()

	store.failSilently(errors.New("i/o timeout"))
	v, err := GetCached(ctx, tier, "k", time.Minute, func(context.Context) (string, error) { return "direct", nil })
	require.NoError(t, err)
	assert.Equal(t, "direct", v)
	assert.True(t, tier.Health().Ready(), "only connection events change health")
}

func TestGetCached_CoalesceMisses(t *testing.T) {
	const callers = 10

	run := func(t *testing.T, coalesce bool) int32 {
		clk := clock.NewMockClock(testNow)
		store := newFlakyStore(NewMemoryStore(100, clk))
		tier := newTestTier(t, store, clk, Options{CoalesceMisses: coalesce})

		var calls atomic.Int32
		release := make(chan struct{})
		fetch := func(context.Context) (string, error) {
			calls.Add(1)
			<-release
			return "v", nil
		}

		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := GetCached(context.Background(), tier, "cold", time.Minute, fetch)
				assert.NoError(t, err)
				assert.Equal(t, "v", v)
			}()
		}

		require.Eventually(t, func() bool { return store.gets.Load() == callers }, time.Second, time.Millisecond)
		if !coalesce {
			require.Eventually(t, func() bool { return calls.Load() == callers }, time.Second, time.Millisecond)
		} else {
			time.Sleep(50 * time.Millisecond)
		}
		close(release)
		wg.Wait()
		return calls.Load()
	}

	t.Run("disabled: every cold caller fetches", func(t *testing.T) {
		assert.EqualValues(t, callers, run(t, false))
	})
	t.Run("enabled: one shared fetch", func(t *testing.T) {
		assert.EqualValues(t, 1, run(t, true))
	})
}

func TestGetCached_CoalescedWaiterOutlivesCanceledLeader(t *testing.T) {
	tier, _, _ := newMemoryTier(t, Options{CoalesceMisses: true})

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return "v", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := GetCached(leaderCtx, tier, "k", time.Minute, fetch)
		leaderErr <- err
	}()
	<-started

	type result struct {
		v   string
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		v, err := GetCached(context.Background(), tier, "k", time.Minute, fetch)
		waiter <- result{v, err}
	}()

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	time.Sleep(20 * time.Millisecond)
	close(release)

	got := <-waiter
	require.NoError(t, got.err)
	assert.Equal(t, "v", got.v)
	assert.EqualValues(t, 1, calls.Load())

	v, err := GetCached(context.Background(), tier, "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, "v", v, "shared fetch still stores its result")
}

func TestClose(t *testing.T) {
	t.Run("drains and disconnects", func(t *testing.T) {
		clk := clock.NewMockClock(testNow)
		store := NewMemoryStore(10, clk)
		tier, err := NewTier(store, Options{Clock: clk})
		require.NoError(t, err)

		require.NoError(t, tier.Close(context.Background()))
		assert.ErrorIs(t, store.Ping(context.Background()), ErrStoreClosed)

		v, err := GetCached(context.Background(), tier, "k", time.Minute, func(context.Context) (string, error) { return "direct", nil })
		require.NoError(t, err)
		assert.Equal(t, "direct", v)
	})

	t.Run("hard timeout forces disconnect", func(t *testing.T) {
		store := newBlockingStore()
		defer close(store.release)
		tier, err := NewTier(store, Options{ShutdownTimeout: 50 * time.Millisecond})
		require.NoError(t, err)

		go func() {
			_, _ = GetCached(context.Background(), tier, "k", time.Minute, func(context.Context) (string, error) { return "v", nil })
		}()
		<-store.entered

		start := time.Now()
		err = tier.Close(context.Background())
		assert.ErrorIs(t, err, ErrDrainTimeout)
		assert.Less(t, time.Since(start), time.Second)
		assert.True(t, store.closed.Load())
	})
}
