package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dragonhuntr/lokal/internal/clock"
	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/metrics"
)

// ErrDrainTimeout is returned by Close when in-flight store operations were
// still running at the shutdown deadline and the store was closed anyway.
var ErrDrainTimeout = errors.New("cache drain timed out")

const (
	DefaultKeyPrefix       = "lokal:"
	DefaultMaxValueBytes   = 1 << 20
	DefaultScanBatch       = 100
	DefaultShutdownTimeout = 5 * time.Second
)

// Options configures a Tier. Entries larger than CompressAboveBytes are
// zstd-compressed; zero disables compression.
type Options struct {
	KeyPrefix          string
	MaxValueBytes      int
	CompressAboveBytes int
	ScanBatch          int64
	ShutdownTimeout    time.Duration

	// CoalesceMisses makes concurrent misses on one key share a single fetch.
	CoalesceMisses bool

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Rand returns a uniform value in [0, 1). Used for TTL jitter.
	Rand func() float64
}

func (o *Options) setDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}
	if o.MaxValueBytes <= 0 {
		o.MaxValueBytes = DefaultMaxValueBytes
	}
	if o.CompressAboveBytes < 0 {
		o.CompressAboveBytes = 0
	}
	if o.ScanBatch <= 0 {
		o.ScanBatch = DefaultScanBatch
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
}

// Tier is a cache-aside wrapper around a Store.
type Tier struct {
	store  Store
	health *Health
	opts   Options
	codec  *codec
	logger *slog.Logger
	group  singleflight.Group
	ops    inflight
}

// NewTier wraps store and subscribes the tier's Health to its connection
// events.
func NewTier(store Store, opts Options) (*Tier, error) {
	opts.setDefaults()
	c, err := newCodec(opts.CompressAboveBytes)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With(slog.String("component", "cache"))
	t := &Tier{
		store:  store,
		opts:   opts,
		codec:  c,
		logger: logger,
		health: newHealth(logger, opts.Metrics, opts.Clock),
	}
	store.Subscribe(t.health)
	return t, nil
}

func (t *Tier) Health() *Health { return t.health }

func (t *Tier) key(k string) string { return t.opts.KeyPrefix + k }

// Fetcher produces the value for a key on a cache miss.
type Fetcher[T any] func(ctx context.Context) (T, error)

type lookupResult int

const (
	resultHit lookupResult = iota
	resultMiss
	resultBypass
)

// GetCached returns the cached value for key, or calls fetch and stores its
// result for ttl. Store failures are never returned; fetch errors are
// returned unchanged and never cached.
func GetCached[T any](ctx context.Context, t *Tier, key string, ttl time.Duration, fetch Fetcher[T]) (T, error) {
	return getCached(ctx, t, key, ttl, fetch)
}

// GetCachedWithJitter is GetCached with the TTL spread uniformly over
// ttl ± jitterPercent.
func GetCachedWithJitter[T any](ctx context.Context, t *Tier, key string, ttl time.Duration, jitterPercent float64, fetch Fetcher[T]) (T, error) {
	return getCached(ctx, t, key, t.Jitter(ttl, jitterPercent), fetch)
}

// Jitter spreads ttl uniformly over ttl ± percent, for callers that write
// with SetCached.
func (t *Tier) Jitter(ttl time.Duration, percent float64) time.Duration {
	if percent <= 0 {
		return ttl
	}
	if percent > 100 {
		percent = 100
	}
	u := 2*t.opts.Rand() - 1
	return ttl + time.Duration(float64(ttl)*(percent/100)*u)
}

func getCached[T any](ctx context.Context, t *Tier, key string, ttl time.Duration, fetch Fetcher[T]) (T, error) {
	v, res := lookup[T](ctx, t, key)
	switch res {
	case resultHit:
		return v, nil
	case resultBypass:
		return fetch(ctx)
	}

	if !t.opts.CoalesceMisses {
		return fetchAndStore(ctx, t, key, ttl, fetch)
	}
	// The shared fetch outlives any single caller; each waiter stops on its own ctx.
	ch := t.group.DoChan(key, func() (any, error) {
		return fetchAndStore(context.WithoutCancel(ctx), t, key, ttl, fetch)
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		if typed, ok := r.Val.(T); ok {
			return typed, nil
		}
		return fetchAndStore(ctx, t, key, ttl, fetch)
	}
}

func fetchAndStore[T any](ctx context.Context, t *Tier, key string, ttl time.Duration, fetch Fetcher[T]) (T, error) {
	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}
	SetCached(ctx, t, key, v, ttl)
	return v, nil
}

func lookup[T any](ctx context.Context, t *Tier, key string) (T, lookupResult) {
	var zero T
	if !t.ops.enter(t.health) {
		t.opts.Metrics.CacheResult("bypass")
		return zero, resultBypass
	}
	defer t.ops.leave()

	raw, found, err := t.store.Get(ctx, t.key(key))
	if err != nil {
		t.storeError("get", key, err)
		t.opts.Metrics.CacheResult("bypass")
		return zero, resultBypass
	}
	if !found {
		t.opts.Metrics.CacheResult("miss")
		return zero, resultMiss
	}

	var v T
	ok := t.decodeEntry(ctx, key, raw, &v)
	if !ok {
		t.opts.Metrics.CacheResult("miss")
		return zero, resultMiss
	}
	t.opts.Metrics.CacheResult("hit")
	return v, resultHit
}

// decodeEntry reports whether raw held a live value. Corrupt entries are
// evicted.
func (t *Tier) decodeEntry(ctx context.Context, key string, raw []byte, out any) bool {
	exp, err := t.codec.decode(raw, out)
	if err != nil {
		t.logger.Warn("evicting corrupt cache entry", slog.String("key", key), slog.String("error", err.Error()))
		if _, delErr := t.store.Del(ctx, t.key(key)); delErr != nil {
			t.storeError("del", key, delErr)
		}
		return false
	}
	return t.opts.Clock.Now().Before(exp)
}

// GetCachedBatch reads keys in one round trip and returns only the entries
// that were present and live.
func GetCachedBatch[T any](ctx context.Context, t *Tier, keys []string) map[string]T {
	out := make(map[string]T, len(keys))
	if len(keys) == 0 {
		return out
	}
	if !t.ops.enter(t.health) {
		t.opts.Metrics.CacheResult("bypass")
		return out
	}
	defer t.ops.leave()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = t.key(k)
	}
	raws, err := t.store.MGet(ctx, full)
	if err != nil {
		t.storeError("mget", fmt.Sprintf("%d keys", len(keys)), err)
		return out
	}
	for i, raw := range raws {
		if i >= len(keys) || raw == nil {
			t.opts.Metrics.CacheResult("miss")
			continue
		}
		var v T
		if t.decodeEntry(ctx, keys[i], raw, &v) {
			out[keys[i]] = v
			t.opts.Metrics.CacheResult("hit")
		} else {
			t.opts.Metrics.CacheResult("miss")
		}
	}
	return out
}

// SetCached writes value under key for ttl. Oversize values and store
// failures are logged and dropped.
func SetCached[T any](ctx context.Context, t *Tier, key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if !t.ops.enter(t.health) {
		return
	}
	defer t.ops.leave()

	data, err := t.codec.encode(value, t.opts.Clock.Now().Add(ttl))
	if err != nil {
		logging.LogError(t.logger, "failed to encode cache entry", err, slog.String("key", key))
		return
	}
	if len(data) > t.opts.MaxValueBytes {
		t.opts.Metrics.CacheOversize()
		t.logger.Debug("skipping oversize cache write",
			slog.String("key", key),
			slog.Int("bytes", len(data)),
			slog.Int("limit", t.opts.MaxValueBytes))
		return
	}
	if err := t.store.Set(ctx, t.key(key), data, ttl); err != nil {
		t.storeError("set", key, err)
	}
}

// Delete removes keys. Failures are logged.
func (t *Tier) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 || !t.ops.enter(t.health) {
		return
	}
	defer t.ops.leave()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = t.key(k)
	}
	n, err := t.store.Del(ctx, full...)
	if err != nil {
		t.storeError("del", keys[0], err)
		return
	}
	t.opts.Metrics.CacheInvalidated(n)
}

// DeletePattern removes every key matching the glob pattern, streaming
// matches in ScanBatch sized batches. It is best effort and returns the
// number of keys removed.
func (t *Tier) DeletePattern(ctx context.Context, pattern string) int {
	if !t.ops.enter(t.health) {
		t.logger.Warn("cache unavailable, pattern invalidation skipped", slog.String("pattern", pattern))
		return 0
	}
	defer t.ops.leave()

	removed := 0
	err := t.store.Scan(ctx, t.key(pattern), t.opts.ScanBatch, func(batch []string) error {
		n, err := t.store.Del(ctx, batch...)
		if err != nil {
			t.storeError("del", pattern, err)
			return nil
		}
		removed += n
		return nil
	})
	if err != nil {
		t.storeError("scan", pattern, err)
	}
	t.opts.Metrics.CacheInvalidated(removed)
	logging.LogOperation(t.logger, "cache_pattern_invalidated",
		slog.String("pattern", pattern),
		slog.Int("removed", removed))
	return removed
}

func (t *Tier) storeError(op, key string, err error) {
	t.opts.Metrics.CacheStoreError(op)
	t.logger.Warn("cache store operation failed",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()))
}

// Close stops accepting store work, waits for in-flight store operations up
// to ShutdownTimeout (or ctx), then closes the store regardless.
func (t *Tier) Close(ctx context.Context) error {
	drained := t.ops.close()

	timer := time.NewTimer(t.opts.ShutdownTimeout)
	defer timer.Stop()

	var drainErr error
	select {
	case <-drained:
	case <-timer.C:
		drainErr = ErrDrainTimeout
	case <-ctx.Done():
		drainErr = fmt.Errorf("%w: %w", ErrDrainTimeout, ctx.Err())
	}
	if drainErr != nil {
		t.logger.Warn("forcing cache store disconnect with operations in flight")
	}

	closeErr := t.store.Close()
	if drainErr == nil {
		t.codec.close()
	}
	if closeErr != nil {
		return errors.Join(drainErr, fmt.Errorf("close cache store: %w", closeErr))
	}
	return drainErr
}

// inflight counts store operations so Close can drain them.
type inflight struct {
	mu     sync.Mutex
	n      int
	closed bool
	idle   chan struct{}
}

func (f *inflight) enter(h *Health) bool {
	if !h.Ready() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.n++
	return true
}

func (f *inflight) leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 && f.idle != nil {
		close(f.idle)
		f.idle = nil
	}
}

func (f *inflight) close() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	ch := make(chan struct{})
	if f.n == 0 {
		close(ch)
	} else {
		f.idle = ch
	}
	return ch
}
