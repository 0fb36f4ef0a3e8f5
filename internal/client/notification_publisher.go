package client

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes invoice workflow events to NATS for
// consumption by downstream notification services.
//
// Subject convention: notifications.afe.<event_type>
// Event types: invoice_extracted, invoice_extraction_failed,
//              invoice_approval_required, invoice_approved,
//              invoice_rejected, invoice_flagged
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so notification failures never interrupt
// invoice processing.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// PublishInvoiceEvent publishes an invoice workflow event.
// Subject: notifications.afe.<eventType>
func (p *NotificationPublisher) PublishInvoiceEvent(eventType, invoiceID, actorID string, payload map[string]any) {
	if p.conn == nil {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		ResourceType: "invoice",
		ResourceID:   invoiceID,
		Severity:     "info",
		Category:     "afe_invoices",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.afe.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("invoice_id", invoiceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("invoice_id", invoiceID).
		Msg("notification: event published")
}
