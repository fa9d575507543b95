package places

import (
	"context"
	"sync"
	"time"

	"github.com/bluele/gcache"
)

// Latest serializes one logical stream of searches, such as the queries
// typed into a single search box. Each call cancels the one before it, and a
// result that is no longer the latest is discarded with ErrSuperseded.
type Latest struct {
	searcher Searcher

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

func NewLatest(s Searcher) *Latest {
	return &Latest{searcher: s}
}

func (l *Latest) Search(ctx context.Context, query string) ([]Place, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	l.seq++
	id := l.seq
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = cancel
	l.mu.Unlock()

	res, err := l.searcher.Search(ctx, query)

	l.mu.Lock()
	latest := l.seq == id
	if latest {
		l.cancel = nil
	}
	l.mu.Unlock()

	if !latest {
		return nil, ErrSuperseded
	}
	return res, err
}

// Sessions hands out one Latest per session id. Idle sessions are evicted
// from an LRU of the given capacity, but a session with a search in flight
// stays pinned so its next query still supersedes the running one.
type Sessions struct {
	searcher Searcher
	cache    gcache.Cache

	mu       sync.Mutex
	inFlight map[string]*pinnedSession
}

type pinnedSession struct {
	latest  *Latest
	running int
}

func NewSessions(s Searcher, capacity int, idle time.Duration) *Sessions {
	return &Sessions{
		searcher: s,
		cache:    gcache.New(capacity).LRU().Expiration(idle).Build(),
		inFlight: make(map[string]*pinnedSession),
	}
}

// Get returns the Latest for session, creating it on first use.
func (s *Sessions) Get(session string) *Latest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(session)
}

func (s *Sessions) get(session string) *Latest {
	if p, ok := s.inFlight[session]; ok {
		_ = s.cache.Set(session, p.latest)
		return p.latest
	}
	if v, err := s.cache.Get(session); err == nil {
		if l, ok := v.(*Latest); ok {
			_ = s.cache.Set(session, l)
			return l
		}
	}
	l := NewLatest(s.searcher)
	_ = s.cache.Set(session, l)
	return l
}

// Search runs query in session's stream. An empty session has no stream and
// is never superseded.
func (s *Sessions) Search(ctx context.Context, session, query string) ([]Place, error) {
	if session == "" {
		return s.searcher.Search(ctx, query)
	}

	s.mu.Lock()
	l := s.get(session)
	p, ok := s.inFlight[session]
	if !ok {
		p = &pinnedSession{latest: l}
		s.inFlight[session] = p
	}
	p.running++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if p.running--; p.running == 0 {
			delete(s.inFlight, session)
		}
		s.mu.Unlock()
	}()
	return l.Search(ctx, query)
}
