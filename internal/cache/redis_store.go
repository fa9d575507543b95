package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultProbeInterval = time.Second

type RedisOptions struct {
	// ProbeInterval is how often the connection is PINGed to detect outages
	// and recoveries.
	ProbeInterval time.Duration
	Logger        *slog.Logger
}

// RedisStore is a Store backed by Redis. The client is created on first use
// and its connection state is reported to subscribed listeners.
type RedisStore struct {
	options *redis.Options
	probe   time.Duration
	logger  *slog.Logger

	clientOnce sync.Once
	client     *redis.Client

	mu        sync.Mutex
	listeners []ConnectionListener
	up        bool

	probeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// NewRedisStore parses a redis:// or rediss:// URL. No connection is made
// until the store is first used.
func NewRedisStore(url string, opts RedisOptions) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisStore{
		options: options,
		probe:   opts.ProbeInterval,
		logger:  opts.Logger.With(slog.String("component", "redis_store")),
		stop:    make(chan struct{}),
	}, nil
}

func (s *RedisStore) rdb() (*redis.Client, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	s.clientOnce.Do(func() {
		s.client = redis.NewClient(s.options)
	})
	return s.client, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c, err := s.rdb()
	if err != nil {
		return nil, false, err
	}
	b, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.observe(err)
	}
	return b, true, nil
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	c, err := s.rdb()
	if err != nil {
		return nil, err
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.observe(err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c, err := s.rdb()
	if err != nil {
		return err
	}
	return s.observe(c.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int, error) {
	c, err := s.rdb()
	if err != nil {
		return 0, err
	}
	n, err := c.Del(ctx, keys...).Result()
	if err != nil {
		return 0, s.observe(err)
	}
	return int(n), nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string, batch int64, fn func(keys []string) error) error {
	c, err := s.rdb()
	if err != nil {
		return err
	}
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return s.observe(err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	c, err := s.rdb()
	if err != nil {
		return err
	}
	return s.observe(c.Ping(ctx).Err())
}

// Subscribe registers l and starts the connection probe.
func (s *RedisStore) Subscribe(l ConnectionListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.probeOnce.Do(func() {
		s.wg.Add(1)
		go s.probeLoop()
	})
}

func (s *RedisStore) probeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probe)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), s.probe)
		err := s.Ping(ctx)
		cancel()
		if err == nil {
			s.setUp(true, nil)
		} else if !s.closed.Load() {
			s.setUp(false, err)
		}

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// observe reports connection-class errors to listeners and returns err.
func (s *RedisStore) observe(err error) error {
	if err != nil && isConnError(err) {
		s.setUp(false, err)
	}
	return err
}

func (s *RedisStore) setUp(up bool, err error) {
	s.mu.Lock()
	if s.up == up {
		s.mu.Unlock()
		return
	}
	s.up = up
	listeners := append([]ConnectionListener(nil), s.listeners...)
	s.mu.Unlock()

	if up {
		s.logger.Info("redis connection ready", slog.String("addr", s.options.Addr))
	} else {
		s.logger.Warn("redis connection lost", slog.String("addr", s.options.Addr), slog.String("error", err.Error()))
	}
	for _, l := range listeners {
		if up {
			l.OnReady()
		} else {
			l.OnDown(err)
		}
	}
}

// Close stops the probe and closes the client. It is safe to call twice.
func (s *RedisStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()

	// Waits for a concurrent first use to finish constructing the client.
	s.clientOnce.Do(func() {})
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// isConnError separates transport failures from server replies and caller
// cancellation.
func isConnError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var reply redis.Error
	return !errors.As(err, &reply)
}
