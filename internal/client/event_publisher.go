package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn the event publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// EventPublisher publishes certificate request transitions to NATS for
// downstream consumers such as the notifications service.
//
// Subject convention: <prefix>.request.<action>
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so a NATS outage never fails an action that already committed.
type EventPublisher struct {
	conn   Publisher
	prefix string
	log    zerolog.Logger
}

// TransitionEvent is the JSON schema published to NATS.
type TransitionEvent struct {
	EventType       string    `json:"event_type"`
	RequestID       string    `json:"request_id"`
	CertificateType string    `json:"certificate_type"`
	ActorID         string    `json:"actor_id"`
	Action          string    `json:"action"`
	StepName        string    `json:"step_name"`
	StatusBefore    string    `json:"status_before"`
	StatusAfter     string    `json:"status_after"`
	AuditEntryID    string    `json:"audit_entry_id"`
	Recipients      []string  `json:"recipients,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// ConnectNATS dials url with the options the service uses everywhere.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

// NewEventPublisher creates a publisher backed by conn. A nil conn yields a
// publisher that drops every event.
func NewEventPublisher(conn Publisher, prefix string, log zerolog.Logger) *EventPublisher {
	if prefix == "" {
		prefix = "certificates"
	}
	return &EventPublisher{conn: conn, prefix: prefix, log: log}
}

// PublishTransition publishes ev on <prefix>.request.<action>.
func (p *EventPublisher) PublishTransition(_ context.Context, ev *TransitionEvent) {
	if p == nil || p.conn == nil {
		return
	}
	if ev.EventType == "" {
		ev.EventType = "certificate_request." + ev.Action
	}

	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", ev.EventType).Msg("events: failed to marshal transition")
		return
	}

	subject := fmt.Sprintf("%s.request.%s", p.prefix, ev.Action)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", ev.RequestID).
			Msg("events: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", ev.RequestID).
		Int("recipients", len(ev.Recipients)).
		Msg("events: transition published")
}
