// Package publisher fans fresh vehicle snapshots out to NATS subscribers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dragonhuntr/lokal/internal/logging"
	"github.com/dragonhuntr/lokal/internal/metrics"
	"github.com/dragonhuntr/lokal/internal/models"
)

const DefaultSubjectPrefix = "lokal.vehicles"

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

type NATSPublisher struct {
	nc      conn
	prefix  string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// VehiclesMessage is the payload published for one route.
type VehiclesMessage struct {
	RouteID     string           `json:"routeId"`
	PublishedAt time.Time        `json:"publishedAt"`
	Vehicles    []models.Vehicle `json:"vehicles"`
}

func NewNATSPublisher(url, subjectPrefix string, logger *slog.Logger, m *metrics.Metrics) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "nats_publisher"))

	nc, err := nats.Connect(url,
		nats.Name("lokal"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.SetPublisherConnected(false)
			if err != nil {
				logging.LogError(logger, "nats disconnected", err)
				return
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			m.SetPublisherConnected(true)
			logging.LogOperation(logger, "nats_reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			m.SetPublisherConnected(false)
			logging.LogOperation(logger, "nats_closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	m.SetPublisherConnected(true)
	return newPublisher(nc, subjectPrefix, logger, m), nil
}

func newPublisher(nc conn, prefix string, logger *slog.Logger, m *metrics.Metrics) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger, metrics: m}
}

// Subject returns the subject vehicles of routeID are published on.
func (p *NATSPublisher) Subject(routeID string) string {
	return p.prefix + "." + subjectToken(routeID)
}

// Publish sends the route's current vehicles as one JSON message.
func (p *NATSPublisher) Publish(ctx context.Context, routeID string, vehicles []models.Vehicle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if vehicles == nil {
		vehicles = []models.Vehicle{}
	}
	b, err := json.Marshal(VehiclesMessage{RouteID: routeID, PublishedAt: time.Now().UTC(), Vehicles: vehicles})
	if err != nil {
		p.metrics.PublisherResult("error")
		return err
	}
	subject := p.Subject(routeID)
	if err := p.nc.Publish(subject, b); err != nil {
		p.metrics.PublisherResult("error")
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.metrics.PublisherResult("ok")
	p.logger.Debug("published vehicles", slog.String("subject", subject), slog.Int("count", len(vehicles)))
	return nil
}

// Close drains pending messages, then closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
