package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dragonhuntr/lokal/internal/clock"
	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/metrics"
)

// Health is the availability state of one Tier's store. Only the store's
// connection callbacks write it; every cache call reads it.
type Health struct {
	ready   atomic.Bool
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	mu        sync.Mutex
	lastErr   error
	changedAt time.Time
}

func newHealth(logger *slog.Logger, m *metrics.Metrics, clk clock.Clock) *Health {
	h := &Health{logger: logger, metrics: m, clock: clk}
	m.SetCacheReady(false)
	return h
}

// Ready reports whether cache calls may use the store.
func (h *Health) Ready() bool {
	return h.ready.Load()
}

func (h *Health) OnReady() {
	if !h.ready.Swap(true) {
		h.mu.Lock()
		h.lastErr = nil
		h.changedAt = h.clock.Now()
		h.mu.Unlock()
		h.logger.Info("cache store ready")
	}
	h.metrics.SetCacheReady(true)
}

func (h *Health) OnDown(err error) {
	if h.ready.Swap(false) {
		logging.LogError(h.logger, "cache store unavailable, bypassing cache", err)
	}
	h.mu.Lock()
	h.lastErr = err
	h.changedAt = h.clock.Now()
	h.mu.Unlock()
	h.metrics.SetCacheReady(false)
}

// ChangedAt is when the store last went up or down; zero before the first event.
func (h *Health) ChangedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changedAt
}

// Status is a short human readable summary for health endpoints.
func (h *Health) Status() string {
	if h.Ready() {
		return "ready"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastErr != nil {
		return "degraded: " + h.lastErr.Error()
	}
	return "connecting"
}
