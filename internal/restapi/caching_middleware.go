package restapi

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/dragonhuntr/lokal/internal/transit"
)

const (
	noStoreHeader = "no-cache, no-store, must-revalidate"

	// httpShareDivisor sets how much of a staleness budget HTTP caches may
	// add on top of the server cache: one tenth.
	httpShareDivisor = 10
)

// freshness is how long clients may reuse a response.
type freshness struct {
	maxAge time.Duration
}

var uncacheable = freshness{}

// freshnessFor derives the client lifetime of a response from the transit
// staleness budgets of the data it carries. The tightest budget wins. Data
// refreshed at least as often as departures is never handed to HTTP caches,
// since the server cache may already have spent all of it.
func freshnessFor(budgets ...time.Duration) freshness {
	if len(budgets) == 0 {
		return uncacheable
	}
	tightest := slices.Min(budgets)
	if tightest <= transit.DeparturesTTL {
		return uncacheable
	}
	return freshness{maxAge: (tightest / httpShareDivisor).Truncate(time.Second)}
}

func (f freshness) header() string {
	if secs := int(f.maxAge / time.Second); secs > 0 {
		return fmt.Sprintf("public, max-age=%d", secs)
	}
	return noStoreHeader
}

// CacheControlMiddleware sets Cache-Control on successful responses from
// next; errors are never cacheable.
func CacheControlMiddleware(f freshness, next http.Handler) http.Handler {
	headerValue := f.header()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&cacheControlWriter{ResponseWriter: w, headerValue: headerValue}, r)
	})
}

type cacheControlWriter struct {
	http.ResponseWriter
	headerValue   string
	headerWritten bool
}

func (w *cacheControlWriter) WriteHeader(code int) {
	if !w.headerWritten {
		w.headerWritten = true
		value := noStoreHeader
		if code >= 200 && code < 300 {
			value = w.headerValue
		}
		w.Header().Set("Cache-Control", value)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cacheControlWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
