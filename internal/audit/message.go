package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message wire-format errors.
var (
	ErrEmptyPayload = errors.New("message payload cannot be empty")
)

// Message is the transport envelope wrapping an Event for the pub/sub
// channel and the durable queue. The retry count for queue transports is
// carried in transport headers, not in the message body.
type Message struct {
	MessageID        string    `json:"message_id"`
	Timestamp        time.Time `json:"timestamp"`
	Source           string    `json:"source"`
	IntegrityEnabled bool      `json:"integrity_enabled"`
	Event            Event     `json:"event"`
}

// NewMessage wraps an event in a transport envelope with a fresh message id.
func NewMessage(source string, integrityEnabled bool, event Event) Message {
	return Message{
		MessageID:        uuid.New().String(),
		Timestamp:        time.Now().UTC(),
		Source:           source,
		IntegrityEnabled: integrityEnabled,
		Event:            event,
	}
}

// Encode serializes the message to its JSON wire form.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses a wire payload and validates the wrapped event's
// minimal shape. Workers reject messages that fail here without retry.
func DecodeMessage(payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode audit message: %w", err)
	}
	if err := m.Event.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
