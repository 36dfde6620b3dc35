// Package propagation delivers cluster events between nodes over NATS.
// Events are announcements, not data carriers: a receiving node re-fetches
// whatever state the event names instead of trusting the payload. Delivery
// is at-least-once and includes the publishing node itself.
package propagation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ikulis/wiki-js/errors"
)

// SubjectPrefix is the NATS subject namespace for cluster events
const SubjectPrefix = "wiki.events"

// Envelope is the wire format of a cluster event. It identifies the
// publishing node so receivers can tell self-deliveries apart in logs; the
// handler runs either way.
type Envelope struct {
	Event     string    `json:"event"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"ts"`
}

// Transport is the messaging layer the service publishes through.
// natsclient.Client satisfies it.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Observer receives delivery outcomes for instrumentation
type Observer interface {
	EventPublished(event string)
	EventReceived(event string, self bool)
}

// Service publishes and subscribes to cluster events. It implements the
// event bus contract the configuration manager expects.
type Service struct {
	transport Transport
	nodeID    string
	baseCtx   context.Context
	logger    *slog.Logger
	observer  Observer
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithObserver sets the instrumentation sink
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithNodeID overrides the generated node identity
func WithNodeID(id string) Option {
	return func(s *Service) { s.nodeID = id }
}

// NewService creates an event service bound to the given transport. The
// context bounds every subscription handler's lifetime.
func NewService(ctx context.Context, transport Transport, opts ...Option) (*Service, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s := &Service{
		transport: transport,
		nodeID:    uuid.NewString(),
		baseCtx:   ctx,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NodeID returns this node's cluster identity
func (s *Service) NodeID() string {
	return s.nodeID
}

// subject maps an event name to its NATS subject
func subject(event string) string {
	return SubjectPrefix + "." + event
}

// Publish announces an event to every node, this one included
func (s *Service) Publish(ctx context.Context, event string) error {
	env := Envelope{
		Event:     event,
		Origin:    s.nodeID,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "Service", "Publish", "marshal envelope")
	}

	if err := s.transport.Publish(ctx, subject(event), data); err != nil {
		return errors.WrapTransient(err, "Service", "Publish",
			fmt.Sprintf("publish %s", event))
	}

	if s.observer != nil {
		s.observer.EventPublished(event)
	}
	s.logger.Debug("Published cluster event", "event", event, "origin", s.nodeID)
	return nil
}

// Subscribe registers a handler for an event. The handler runs on every
// delivery, self-published events included, and is recovered from panics
// so one bad delivery cannot kill the subscription.
func (s *Service) Subscribe(event string, handler func()) error {
	err := s.transport.Subscribe(s.baseCtx, subject(event), func(_ context.Context, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Event handler panicked", "event", event, "panic", r)
			}
		}()

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// The payload is only advisory; an unreadable envelope still
			// triggers the handler.
			s.logger.Warn("Unreadable event envelope", "event", event, "error", err)
		}

		self := env.Origin == s.nodeID
		if s.observer != nil {
			s.observer.EventReceived(event, self)
		}
		s.logger.Debug("Received cluster event",
			"event", event,
			"origin", env.Origin,
			"self", self)

		handler()
	})
	if err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Service", "Subscribe", fmt.Sprintf("subscribe %s", event))
	}
	return nil
}
