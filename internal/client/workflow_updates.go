package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subscriber is the subset of *nats.Conn used to follow workflow updates.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// WorkflowUpdatedEvent announces that the stored definition of a
// certificate type changed. An empty CertificateType means every type.
type WorkflowUpdatedEvent struct {
	EventType       string    `json:"event_type"`
	CertificateType string    `json:"certificate_type"`
	Version         string    `json:"version"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func workflowsSubject(prefix string) string {
	if prefix == "" {
		prefix = "certificates"
	}
	return prefix + ".workflows.updated"
}

// PublishWorkflowUpdated publishes on <prefix>.workflows.updated. Unlike
// transition events the error is returned: the caller is an administrative
// edit that should report a missed announcement.
func (p *EventPublisher) PublishWorkflowUpdated(certificateType, version string) error {
	if p == nil || p.conn == nil {
		return nil
	}

	data, err := json.Marshal(&WorkflowUpdatedEvent{
		EventType:       "workflow.updated",
		CertificateType: certificateType,
		Version:         version,
		OccurredAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	subject := workflowsSubject(p.prefix)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.log.Debug().
		Str("subject", subject).
		Str("certificate_type", certificateType).
		Str("version", version).
		Msg("events: workflow update published")
	return nil
}

// SubscribeWorkflowUpdates calls invalidate with the certificate type of
// every announced definition change. A message that cannot be decoded
// invalidates everything.
func SubscribeWorkflowUpdates(conn Subscriber, prefix string, log zerolog.Logger, invalidate func(certificateType string)) (*nats.Subscription, error) {
	subject := workflowsSubject(prefix)

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev WorkflowUpdatedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("events: malformed workflow update")
			invalidate("")
			return
		}
		invalidate(ev.CertificateType)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
