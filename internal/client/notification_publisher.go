// Package client holds the outbound collaborators: the NATS notification
// publisher, the Redis cache invalidator and the read-only stands API
// client.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes work request lifecycle events to NATS for
// consumption by the notifications platform.
//
// Subject convention: notifications.workrequests.<event_type>
// Event types: work_request_submitted, approval_required,
//              work_request_approved, work_request_rejected,
//              work_request_cancelled, work_request_completed
//
// Publishing is strictly fire-and-forget: errors are logged and never
// propagated, so a notification failure can never fail or roll back a state
// transition.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Category     string                 `json:"category"`
	Severity     string                 `json:"severity,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// Notify publishes a work request event. Implements the dispatcher interface
// consumed by the services.
func (p *NotificationPublisher) Notify(ctx context.Context, eventType, workRequestID string, eventContext map[string]interface{}) {
	if p.conn == nil {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ResourceType: "work_request",
		ResourceID:   workRequestID,
		Category:     "work_request_workflow",
		Severity:     "info",
		Payload:      eventContext,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.workrequests.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("work_request_id", workRequestID).
			Msg("notification: failed to publish event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("work_request_id", workRequestID).
		Msg("notification: event published")
}
