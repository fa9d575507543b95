// Package upstream talks to the transit provider's HTTP API and turns its
// payloads into validated domain records.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/metrics"
	"github.com/dragonhuntr/lokal/internal/models"
)

const maxBodySize = 10 * 1024 * 1024

type Config struct {
	BaseURL             string
	Timeout             time.Duration
	Timezone            string
	AuthHeaderKey       string
	AuthHeaderValue     string
	MaxRetries          uint64
	RequestsPerSecond   float64
	VehiclePositionsURL string

	// InitialBackoff is the first retry delay. Defaults to 200ms.
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Client is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	dec     *decoder
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", cfg.BaseURL)
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream timezone %q: %w", tz, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.Timeout)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		base:    base,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, max(1, int(cfg.RequestsPerSecond))),
		dec:     newDecoder(loc),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "upstream_client")),
		metrics: cfg.Metrics,
	}, nil
}

// newHTTPClient clones the default transport so proxy, dialer and HTTP/2
// settings survive while timeouts become explicit.
func newHTTPClient(timeout time.Duration) *http.Client {
	var transport *http.Transport
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = t.Clone()
	} else {
		transport = &http.Transport{}
	}
	transport.MaxIdleConns = 50
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.ExpectContinueTimeout = 1 * time.Second

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Location is the zone provider timestamps are localized to.
func (c *Client) Location() *time.Location { return c.dec.loc }

func (c *Client) Routes(ctx context.Context) ([]models.Route, error) {
	body, err := c.get(ctx, "routes", c.endpoint("routes"), "application/json")
	if err != nil {
		return nil, err
	}
	return c.dec.routes(body)
}

func (c *Client) RouteDetails(ctx context.Context, routeID string) (models.RouteDetails, error) {
	body, err := c.get(ctx, "route_details", c.endpoint("routes", routeID), "application/json")
	if err != nil {
		return models.RouteDetails{}, err
	}
	return c.dec.routeDetails(body)
}

func (c *Client) Departures(ctx context.Context) ([]models.Departure, error) {
	body, err := c.get(ctx, "departures", c.endpoint("departures"), "application/json")
	if err != nil {
		return nil, err
	}
	return c.dec.departures(body)
}

func (c *Client) Stops(ctx context.Context) ([]models.Stop, error) {
	body, err := c.get(ctx, "stops", c.endpoint("stops"), "application/json")
	if err != nil {
		return nil, err
	}
	return c.dec.stops(body)
}

func (c *Client) RouteTrace(ctx context.Context, routeID string) (models.RouteTrace, error) {
	body, err := c.get(ctx, "route_trace", c.endpoint("routes", routeID, "trace"), "application/vnd.google-earth.kml+xml, application/xml")
	if err != nil {
		return models.RouteTrace{}, err
	}
	return parseTrace(routeID, body)
}

func (c *Client) endpoint(segments ...string) string {
	u := *c.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.RawPath = strings.TrimRight(c.base.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.Join(segments, "/")
	return u.String()
}

// get fetches target, retrying retryable unavailability with exponential
// backoff up to MaxRetries extra attempts.
func (c *Client) get(ctx context.Context, endpoint, target, accept string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		body, err := c.fetchOnce(ctx, endpoint, target, accept)
		if err == nil {
			return body, nil
		}
		var unavailable *UnavailableError
		if errors.As(err, &unavailable) && unavailable.Retryable && ctx.Err() == nil {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	notify := func(err error, d time.Duration) {
		c.logger.Warn("retrying upstream request",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", d),
			slog.String("error", err.Error()))
	}

	return backoff.RetryNotifyWithData(op,
		backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx),
		notify)
}

func (c *Client) fetchOnce(ctx context.Context, endpoint, target, accept string) ([]byte, error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		c.metrics.ObserveUpstream(endpoint, outcome, time.Since(start))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		outcome = "error"
		return nil, err
	}
	req.Header.Set("Accept", accept)
	if c.cfg.AuthHeaderKey != "" {
		req.Header.Set(c.cfg.AuthHeaderKey, c.cfg.AuthHeaderValue)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		outcome = "unavailable"
		return nil, &UnavailableError{Endpoint: endpoint, Retryable: true, Err: err}
	}
	defer logging.SafeCloseWithLogging(resp.Body, c.logger, "http_response_body")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		outcome = "not_found"
		return nil, fmt.Errorf("%s: %w", endpoint, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		outcome = "unavailable"
		return nil, &UnavailableError{Endpoint: endpoint, StatusCode: resp.StatusCode, Retryable: true}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		outcome = "unavailable"
		return nil, &UnavailableError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		outcome = "unavailable"
		return nil, &UnavailableError{Endpoint: endpoint, Retryable: true, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if int64(len(body)) > maxBodySize {
		outcome = "invalid"
		return nil, &ValidationError{Endpoint: endpoint, Err: fmt.Errorf("response exceeds size limit of %d bytes", maxBodySize)}
	}
	return body, nil
}
