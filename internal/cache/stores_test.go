package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// flakyStore wraps a MemoryStore and can simulate a connection outage.
type flakyStore struct {
	*MemoryStore

	mu        sync.Mutex
	listeners []ConnectionListener
	err       error
	gets      atomic.Int32
}

func newFlakyStore(inner *MemoryStore) *flakyStore {
	return &flakyStore{MemoryStore: inner}
}

func (s *flakyStore) Subscribe(l ConnectionListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	l.OnReady()
}

// goDown makes every operation fail and notifies listeners.
func (s *flakyStore) goDown(err error) {
	s.mu.Lock()
	s.err = err
	ls := append([]ConnectionListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		l.OnDown(err)
	}
}

// failSilently makes operations fail without a connection event, like a
// request that dies mid-flight before the client notices.
func (s *flakyStore) failSilently(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *flakyStore) comeBack() {
	s.mu.Lock()
	s.err = nil
	ls := append([]ConnectionListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		l.OnReady()
	}
}

func (s *flakyStore) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.gets.Add(1)
	if err := s.failure(); err != nil {
		return nil, false, err
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *flakyStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if err := s.failure(); err != nil {
		return nil, err
	}
	return s.MemoryStore.MGet(ctx, keys)
}

func (s *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.failure(); err != nil {
		return err
	}
	return s.MemoryStore.Set(ctx, key, value, ttl)
}

// blockingStore blocks Get until release is closed.
type blockingStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		MemoryStore: NewMemoryStore(10, nil),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *blockingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil, false, nil
}

func (s *blockingStore) Close() error {
	s.closed.Store(true)
	return s.MemoryStore.Close()
}
