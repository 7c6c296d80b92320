// Package audit publishes security relevant events of the authorization
// server. Publishing is fire-and-forget: sinks never report failures back to
// the caller.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/ksuid"
)

// Event names.
const (
	TokenIssued       = "token.issued"
	TokenReused       = "token.reused"
	TokenRefreshed    = "token.refreshed"
	TokenRevoked      = "token.revoked"
	GrantFailed       = "grant.failed"
	TicketCreated     = "uma.ticket_created"
	RequestSubmitted  = "uma.request_submitted"
	NotAuthorized     = "uma.not_authorized"
	TicketAuthorized  = "uma.authorized"
	ClientAuthFailure = "client.auth_failed"
)

type Event struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh id stamped with the current time.
func NewEvent(name string, payload map[string]any) Event {
	return Event{
		ID:      ksuid.New().String(),
		Name:    name,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}

//go:generate mockgen -destination=mocks/publisher_mock.go -package=mocks . Publisher

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}

// Discard drops all events.
var Discard Publisher = PublisherFunc(func(context.Context, Event) {})

// SlogPublisher writes events to a structured logger.
type SlogPublisher struct {
	Logger *slog.Logger
	Level  slog.Level
}

func NewSlogPublisher(logger *slog.Logger) *SlogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogPublisher{Logger: logger, Level: slog.LevelInfo}
}

func (p *SlogPublisher) Publish(ctx context.Context, event Event) {
	attrs := make([]any, 0, 2+2*len(event.Payload))
	attrs = append(attrs, "event_id", event.ID)
	for k, v := range event.Payload {
		attrs = append(attrs, k, v)
	}
	p.Logger.Log(ctx, p.Level, "Audit event "+event.Name, attrs...)
}

// Multi fans an event out to all publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, event)
		}
	}
}
