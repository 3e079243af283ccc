// Package router delivers external and internal events to the plan
// instances that await them.
//
// The router owns the interest index (event name to instance set) and the
// duplicate-suppression table that makes delivery idempotent under
// at-least-once transports. It has no opinion about where events come
// from: the scheduler, the action dispatcher and the NATS source all feed
// the same Deliver entry point.
package router

import (
	"fmt"
	"time"

	"github.com/casualjim/loom/pkg/uuidx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Event is the routed wire representation of an event occurrence.
//
// ID must be unique per occurrence; redelivery with the same ID within the
// router's retention window is discarded. Type names the plan event
// (place) this occurrence lands on. CorrelationID carries the pairing
// identifier for channel-style matching and async dispatch completion.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     strfmt.DateTime `json:"timestamp"`
}

var eventJSON = []byte(`{}`)

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	result := eventJSON

	var err error
	result, err = sjson.SetBytes(result, "id", e.ID.String())
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetBytes(result, "type", e.Type)
	if err != nil {
		return nil, err
	}
	if len(e.Payload) > 0 {
		result, err = sjson.SetRawBytes(result, "payload", e.Payload)
		if err != nil {
			return nil, err
		}
	}
	if e.CorrelationID != "" {
		result, err = sjson.SetBytes(result, "correlation_id", e.CorrelationID)
		if err != nil {
			return nil, err
		}
	}
	return sjson.SetBytes(result, "timestamp", e.Timestamp.String())
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}

	id := gjson.GetBytes(data, "id")
	if !id.Exists() {
		return fmt.Errorf("event is missing an id")
	}
	parsed, err := uuid.Parse(id.String())
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	e.ID = parsed

	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() || typ.String() == "" {
		return fmt.Errorf("event is missing a type")
	}
	e.Type = typ.String()

	if payload := gjson.GetBytes(data, "payload"); payload.Exists() {
		e.Payload = json.RawMessage(payload.Raw)
	}
	e.CorrelationID = gjson.GetBytes(data, "correlation_id").String()

	if ts := gjson.GetBytes(data, "timestamp"); ts.Exists() {
		parsed, err := strfmt.ParseDateTime(ts.String())
		if err != nil {
			return fmt.Errorf("event timestamp: %w", err)
		}
		e.Timestamp = parsed
	}
	return nil
}

// NewEvent builds an event occurrence with a fresh id and timestamp.
func NewEvent(eventType string, payload json.RawMessage, correlationID string) Event {
	return Event{
		ID:            uuidx.New(),
		Type:          eventType,
		Payload:       payload,
		CorrelationID: correlationID,
		Timestamp:     strfmt.DateTime(time.Now()),
	}
}
