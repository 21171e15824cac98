package natsclient

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/portmacros/internal/models"
)

// Handler receives decoded lifecycle events.
type Handler interface {
	Handle(ctx context.Context, ev models.LifecycleEvent) error
}

// Filter narrows the events forwarded by a Subscriber. Empty fields match
// everything.
type Filter struct {
	WorkspaceID string
	MachineID   string
}

// Match reports whether ev passes the filter. Stopped events without ids
// always match.
func (f Filter) Match(ev models.LifecycleEvent) bool {
	if ev.Kind == models.EventStopped && ev.WorkspaceID == "" && ev.MachineID == "" {
		return true
	}
	if f.WorkspaceID != "" && ev.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.MachineID != "" && ev.MachineID != f.MachineID {
		return false
	}
	return true
}

// Subscriber forwards lifecycle events from NATS to a Handler. NATS delivers
// messages of one subscription sequentially, so events reach the handler in
// publish order.
type Subscriber struct {
	handler Handler
	filter  Filter
	logger  *zap.Logger
	sub     *nats.Subscription
}

func NewSubscriber(handler Handler, filter Filter, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{handler: handler, filter: filter, logger: logger.Named("lifecycle")}
}

// Subscribe starts consuming subject on nc. Events are handed to the
// handler with ctx.
func (s *Subscriber) Subscribe(ctx context.Context, nc *nats.Conn, subject string) error {
	if subject == "" {
		subject = DefaultLifecycleSubject
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		s.dispatch(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.logger.Info("subscribed", zap.String("subject", subject))
	return nil
}

// Unsubscribe stops delivery.
func (s *Subscriber) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *Subscriber) dispatch(ctx context.Context, msg *nats.Msg) {
	ev, err := DecodeLifecycle(msg.Data)
	if err != nil {
		s.logger.Warn("dropping lifecycle message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if !s.filter.Match(ev) {
		s.logger.Debug("ignoring lifecycle event",
			zap.String("kind", string(ev.Kind)),
			zap.String("machine_id", ev.MachineID))
		return
	}
	if err := s.handler.Handle(ctx, ev); err != nil {
		s.logger.Warn("lifecycle event not handled", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
