// Package events publishes cluster events (membership changes, leader moves,
// accepted writes) for external observers. Publishing is best effort: a
// failure is logged and never affects the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dreamware/trellis/internal/cluster"
)

// Subjects published by trellis nodes.
const (
	SubjectAttach = "trellis.membership.attach"
	SubjectDetach = "trellis.membership.detach"
	SubjectLeader = "trellis.membership.leader"
	SubjectWrite  = "trellis.orders.write"
)

// Event is the JSON payload of every message.
type Event struct {
	Subject   string               `json:"subject"`
	Role      string               `json:"role"`
	Source    cluster.NodeAddress  `json:"source"`
	Node      *cluster.NodeAddress `json:"node,omitempty"`
	Operation cluster.Operation    `json:"operation,omitempty"`
	Order     *cluster.Order       `json:"order,omitempty"`
	At        time.Time            `json:"at"`
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close does nothing.
func (Nop) Close() {}

// NATSPublisher publishes events as JSON on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials url with reconnects enabled. name identifies the client on
// the NATS server.
func Connect(url, name string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: nats %s: %v", cluster.ErrConnection, url, err)
	}
	return &NATSPublisher{nc: nc, logger: logger}, nil
}

// Publish encodes ev and publishes it on ev.Subject.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("%w: nats not connected", cluster.ErrConnection)
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(ev.Subject, data)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("nats drain", zap.Error(err))
		}
		p.nc.Close()
	}
}

// FromURL returns a NATS publisher for url, or Nop when url is empty.
func FromURL(url, name string, logger *zap.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	return Connect(url, name, logger)
}

// Emit publishes ev and logs instead of returning failures.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, ev Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil && logger != nil {
		logger.Warn("publish event failed",
			zap.String("subject", ev.Subject),
			zap.Error(err))
	}
}
