package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/portmacros/internal/models"
)

// DefaultLifecycleSubject carries machine lifecycle events.
const DefaultLifecycleSubject = "machines.lifecycle"

// Connect dials NATS with reconnects enabled forever.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
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
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

type Publisher struct {
	nc      *nats.Conn
	subject string
}

func NewPublisher(nc *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultLifecycleSubject
	}
	return &Publisher{nc: nc, subject: subject}
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

// NotifyLifecycle publishes ev on the lifecycle subject.
func (p *Publisher) NotifyLifecycle(ctx context.Context, ev models.LifecycleEvent) error {
	payload, err := EncodeLifecycle(ev)
	if err != nil {
		return err
	}
	return p.Publish(ctx, p.subject, payload)
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// EncodeLifecycle validates and marshals a lifecycle event.
func EncodeLifecycle(ev models.LifecycleEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// DecodeLifecycle parses and validates a lifecycle event payload.
func DecodeLifecycle(data []byte) (models.LifecycleEvent, error) {
	var ev models.LifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}
