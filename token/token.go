// Package token implements the data-carrying tokens of a running plan and
// the marking that assigns them to places.
//
// A token is a single occurrence of an event. It carries an arbitrary JSON
// payload and an optional correlation identifier used for channel-style
// pairing between places. Tokens are immutable once placed; consuming a
// token removes it from its place.
package token

import (
	"time"

	"github.com/casualjim/loom/pkg/uuidx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Token is one occurrence of an event, resting on a place until a step
// consumes it.
type Token struct {
	ID            uuid.UUID       `json:"id"`
	Place         string          `json:"place"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	// Producer names the step whose firing emitted this token, empty for
	// externally delivered tokens. A step never binds its own output, so a
	// step that emits the event it consumes fires once per external
	// delivery instead of spinning.
	Producer string `json:"producer,omitempty"`

	CreatedAt strfmt.DateTime `json:"created_at"`
}

// New creates a token for the given place. The payload may be nil.
func New(place string, payload json.RawMessage, correlationID string) *Token {
	return &Token{
		ID:            uuidx.New(),
		Place:         place,
		Payload:       payload,
		CorrelationID: correlationID,
		CreatedAt:     strfmt.DateTime(time.Now()),
	}
}
