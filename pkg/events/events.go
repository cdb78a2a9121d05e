// Package events defines the wire-event envelope and broker publishers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire representation of every emitted event.
type Envelope struct {
	EventType     string          `json:"event_type"`
	EventID       uuid.UUID       `json:"event_id"`
	Timestamp     string          `json:"timestamp"` // RFC 3339 UTC
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with a fresh ID and UTC timestamp.
func NewEnvelope(eventType, source, correlationID string, data any) (Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		raw = b
	}

	return Envelope{
		EventType:     eventType,
		EventID:       uuid.New(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Source:        source,
		CorrelationID: correlationID,
		Data:          raw,
	}, nil
}

// Publisher delivers envelopes to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Close() error
}

// NopPublisher discards events; used when no broker is configured.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(ctx context.Context, topic string, env Envelope) error { return nil }

// Close does nothing.
func (NopPublisher) Close() error { return nil }
