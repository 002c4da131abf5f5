package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a control message type
type Kind string

const (
	// Control requests handled by the session controller
	KindStart     Kind = "START"
	KindStop      Kind = "STOP"
	KindGetStatus Kind = "GET_STATUS"
	KindSetTier   Kind = "SET_TIER"

	// Requests handled by the recorder host
	KindStartCapture Kind = "START_CAPTURE"
	KindStopCapture  Kind = "STOP_CAPTURE"
	KindCleanup      Kind = "CLEANUP"
	KindPing         Kind = "PING"

	// Unsolicited host -> controller notifications
	KindSegmentBoundary Kind = "SEGMENT_BOUNDARY_REACHED"
	KindSizeCeiling     Kind = "SIZE_CEILING_REACHED"
	KindHostError       Kind = "HOST_ERROR"
	KindHostLog         Kind = "HOST_LOG"

	// Replies
	KindAck       Kind = "ACK"
	KindReady     Kind = "READY"
	KindFinalized Kind = "CAPTURE_FINALIZED"
	KindStopped   Kind = "STOPPED"
	KindStatus    Kind = "STATUS"
	KindError     Kind = "ERROR"
)

// Tier selects the duration and segmentation limits of a session
type Tier string

const (
	TierFree     Tier = "free"
	TierElevated Tier = "elevated"
)

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	return t == TierFree || t == TierElevated
}

// Message is the envelope for every control message.
// Payload holds the kind-specific JSON document.
type Message struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id"`
	ReplyTo string          `json:"replyTo,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// kindSpec describes how a kind is validated
type kindSpec struct {
	reply   bool
	payload func() payload
}

// payload is implemented by every payload schema
type payload interface {
	Validate() error
}

var kinds = map[Kind]kindSpec{
	KindStart:     {payload: func() payload { return &StartPayload{} }},
	KindStop:      {},
	KindGetStatus: {},
	KindSetTier:   {payload: func() payload { return &SetTierPayload{} }},

	KindStartCapture: {payload: func() payload { return &StartCapturePayload{} }},
	KindStopCapture:  {},
	KindCleanup:      {},
	KindPing:         {},

	KindSegmentBoundary: {payload: func() payload { return &SegmentPayload{} }},
	KindSizeCeiling:     {payload: func() payload { return &SizeCeilingPayload{} }},
	KindHostError:       {payload: func() payload { return &HostErrorPayload{} }},
	KindHostLog:         {payload: func() payload { return &HostLogPayload{} }},

	KindAck:       {reply: true},
	KindReady:     {reply: true},
	KindFinalized: {reply: true, payload: func() payload { return &FinalizedPayload{} }},
	KindStopped:   {reply: true, payload: func() payload { return &StoppedPayload{} }},
	KindStatus:    {reply: true, payload: func() payload { return &StatusPayload{} }},
	KindError:     {reply: true, payload: func() payload { return &ErrorPayload{} }},
}

// Known reports whether k belongs to the closed set of message kinds
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

// IsReply reports whether k is a reply kind
func (k Kind) IsReply() bool {
	return kinds[k].reply
}

// NewMessage builds a message with a fresh ID and the given payload.
// A nil payload produces a message without a payload document.
func NewMessage(kind Kind, p any) (*Message, error) {
	msg := &Message{
		Kind:   kind,
		ID:     uuid.NewString(),
		SentAt: time.Now().UTC(),
	}

	if p != nil {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		msg.Payload = data
	}

	return msg, nil
}

// NewReply builds a reply correlated with req
func NewReply(req *Message, kind Kind, p any) (*Message, error) {
	msg, err := NewMessage(kind, p)
	if err != nil {
		return nil, err
	}
	msg.ReplyTo = req.ID
	return msg, nil
}

// NewErrorReply builds an ERROR reply carrying the classification of err
func NewErrorReply(req *Message, err error) *Message {
	// ErrorPayload always marshals
	msg, _ := NewReply(req, KindError, PayloadFromError(err))
	return msg
}

// Marshal serializes a message to its text form
func Marshal(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Parse decodes and validates a message received as text
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, Errorf(ClassInvalidMessage, "malformed message: %v", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return &msg, nil
}

// Validate checks the envelope and the kind-specific payload schema
func (m *Message) Validate() error {
	spec, ok := kinds[m.Kind]
	if !ok {
		return Errorf(ClassInvalidMessage, "unknown message kind %q", m.Kind)
	}

	if m.ID == "" {
		return Errorf(ClassInvalidMessage, "%s message has no id", m.Kind)
	}

	if spec.reply && m.ReplyTo == "" {
		return Errorf(ClassInvalidMessage, "%s reply has no replyTo", m.Kind)
	}

	if spec.payload == nil {
		return nil
	}

	if len(m.Payload) == 0 {
		return Errorf(ClassInvalidMessage, "%s message requires a payload", m.Kind)
	}

	p := spec.payload()
	if err := json.Unmarshal(m.Payload, p); err != nil {
		return Errorf(ClassInvalidMessage, "invalid %s payload: %v", m.Kind, err)
	}

	if err := p.Validate(); err != nil {
		return Errorf(ClassInvalidMessage, "invalid %s payload: %v", m.Kind, err)
	}

	return nil
}

// Decode unmarshals the message payload into v
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return Errorf(ClassInvalidMessage, "%s message has no payload", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return Errorf(ClassInvalidMessage, "failed to decode %s payload: %v", m.Kind, err)
	}
	return nil
}

// Err returns the error carried by an ERROR reply, or nil for other kinds
func (m *Message) Err() error {
	if m.Kind != KindError {
		return nil
	}

	var p ErrorPayload
	if err := m.Decode(&p); err != nil {
		return err
	}
	return p.Err()
}
