package cache

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"

	"github.com/dragonhuntr/lokal/internal/clock"
)

// MemoryStore is an in-process LRU Store. It is always ready.
type MemoryStore struct {
	cache  gcache.Cache
	closed atomic.Bool
}

// NewMemoryStore builds an LRU store holding up to capacity entries. A nil
// clock uses wall time.
func NewMemoryStore(capacity int, clk clock.Clock) *MemoryStore {
	b := gcache.New(capacity).LRU()
	if clk != nil {
		b = b.Clock(clk)
	}
	return &MemoryStore{cache: b.Build()}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrStoreClosed
	}
	v, err := s.cache.Get(key)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *MemoryStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, _, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.cache.SetWithExpire(key, append([]byte(nil), value...), ttl)
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	n := 0
	for _, k := range keys {
		if s.cache.Remove(k) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Scan(ctx context.Context, pattern string, batch int64, fn func(keys []string) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	re, err := globToRegexp(pattern)
	if err != nil {
		return err
	}

	var matched []string
	for _, k := range s.cache.Keys(true) {
		if ks, ok := k.(string); ok && re.MatchString(ks) {
			matched = append(matched, ks)
		}
	}
	sort.Strings(matched)

	if batch <= 0 {
		batch = DefaultScanBatch
	}
	for start := 0; start < len(matched); start += int(batch) {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+int(batch), len(matched))
		if err := fn(matched[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cache.Purge()
	}
	return nil
}

func (s *MemoryStore) Subscribe(l ConnectionListener) {
	if s.closed.Load() {
		l.OnDown(ErrStoreClosed)
		return
	}
	l.OnReady()
}

// globToRegexp translates Redis glob syntax (*, ?, [..], \x) into an
// anchored regular expression.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := strings.IndexByte(pattern[i:], ']')
			if j < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : i+j]
			if strings.HasPrefix(class, "^") {
				class = "^" + regexp.QuoteMeta(class[1:])
			} else {
				class = regexp.QuoteMeta(class)
			}
			b.WriteString("[" + class + "]")
			i += j
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
