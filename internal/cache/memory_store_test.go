package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragonhuntr/lokal/internal/clock"
)

func TestGlobToRegexp(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		match   bool
	}{
		{"transit:*", "transit:routes", true},
		{"transit:*", "other:routes", false},
		{"transit:route:*", "transit:route:10/a", true},
		{"transit:route:?", "transit:route:1", true},
		{"transit:route:?", "transit:route:12", false},
		{"transit:route:[12]", "transit:route:2", true},
		{"transit:route:[^12]", "transit:route:2", false},
		{"transit:route:[a-c]", "transit:route:b", true},
		{`literal\*`, "literal*", true},
		{`literal\*`, "literalx", false},
		{"a.b", "axb", false},
		{"*", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.key, func(t *testing.T) {
			re, err := globToRegexp(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.match, re.MatchString(tt.key))
		})
	}
}

func TestMemoryStore_ExpiryAndScan(t *testing.T) {
	clk := clock.NewMockClock(testNow)
	store := NewMemoryStore(10, clk)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a:1", []byte("x"), time.Second))
	require.NoError(t, store.Set(ctx, "a:2", []byte("y"), time.Minute))
	require.NoError(t, store.Set(ctx, "b:1", []byte("z"), time.Minute))

	clk.Advance(2 * time.Second)
	_, found, err := store.Get(ctx, "a:1")
	require.NoError(t, err)
	assert.False(t, found)

	var batches [][]string
	require.NoError(t, store.Scan(ctx, "a:*", 1, func(keys []string) error {
		batches = append(batches, keys)
		return nil
	}))
	assert.Equal(t, [][]string{{"a:2"}}, batches)
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	store := NewMemoryStore(10, nil)
	ctx := context.Background()
	buf := []byte("abc")

	require.NoError(t, store.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'X'

	got, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore(10, nil)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, _, err := store.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrStoreClosed)

	var l recordingListener
	store.Subscribe(&l)
	assert.EqualValues(t, 1, l.down.Load())
	assert.EqualValues(t, 0, l.ready.Load())
}
