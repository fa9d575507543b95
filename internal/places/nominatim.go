package places

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/dragonhuntr/lokal/internal/logging"
)

const (
	maxResponseSize  = 2 * 1024 * 1024
	defaultUserAgent = "lokal/1.0"
	DefaultLimit     = 8
)

type NominatimConfig struct {
	BaseURL string
	Timeout time.Duration

	// RequestsPerSecond defaults to 1, the public Nominatim usage limit.
	RequestsPerSecond float64
	UserAgent         string

	// CountryCodes restricts results, e.g. "ph".
	CountryCodes string
	Limit        int
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// NominatimClient searches a Nominatim-compatible geocoder.
type NominatimClient struct {
	base     *url.URL
	cfg      NominatimConfig
	http     *http.Client
	limiter  *rate.Limiter
	validate *validator.Validate
	logger   *slog.Logger
}

type nominatimHit struct {
	PlaceID     json.Number `json:"place_id" validate:"required"`
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name" validate:"required"`
	Lat         string      `json:"lat" validate:"required,latitude"`
	Lon         string      `json:"lon" validate:"required,longitude"`
	Type        string      `json:"type"`
}

func NewNominatimClient(cfg NominatimConfig) (*NominatimClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid places url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NominatimClient{
		base:     base,
		cfg:      cfg,
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(slog.String("component", "places")),
	}, nil
}

// Search returns places matching query. A blank query matches nothing.
func (c *NominatimClient) Search(ctx context.Context, query string) ([]Place, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Place{}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := *c.base
	u.Path += "/search"
	q := url.Values{}
	q.Set("format", "json")
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(c.cfg.Limit))
	if c.cfg.CountryCodes != "" {
		q.Set("countrycodes", c.cfg.CountryCodes)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("place search failed: %w", err)
	}
	defer logging.SafeCloseWithLogging(resp.Body, c.logger, "http_response_body")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("place search failed: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("place search response exceeds %d bytes", maxResponseSize)
	}

	var hits []nominatimHit
	if err := json.Unmarshal(body, &hits); err != nil {
		return nil, fmt.Errorf("invalid place search payload: %w", err)
	}

	out := make([]Place, 0, len(hits))
	for _, h := range hits {
		if err := c.validate.Struct(h); err != nil {
			c.logger.Debug("skipping invalid place", slog.String("error", err.Error()))
			continue
		}
		lat, _ := strconv.ParseFloat(h.Lat, 64)
		lon, _ := strconv.ParseFloat(h.Lon, 64)
		name := h.Name
		if name == "" {
			name, _, _ = strings.Cut(h.DisplayName, ",")
		}
		out = append(out, Place{
			ID:          h.PlaceID.String(),
			Name:        name,
			DisplayName: h.DisplayName,
			Latitude:    lat,
			Longitude:   lon,
			Kind:        h.Type,
		})
	}
	return out, nil
}
