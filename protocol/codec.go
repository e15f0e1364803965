package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage matches every decode-time failure.
	ErrMalformedMessage = errors.New("protocol: malformed message")
	// ErrUnknownKind indicates an envelope type outside the closed kind set.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
)

// MalformedError describes why a payload could not be decoded.
type MalformedError struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *MalformedError) Error() string {
	switch {
	case e.Kind != "" && e.Field != "":
		return fmt.Sprintf("protocol: malformed %s message: field %q: %v", e.Kind, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("protocol: malformed message: field %q: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("protocol: malformed message: %v", e.Err)
	}
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Is makes every MalformedError match ErrMalformedMessage.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedMessage
}

type fieldError struct {
	field   string
	missing bool
}

func (e *fieldError) Error() string {
	if e.missing {
		return "required field is missing"
	}
	return "field has an invalid value"
}

func missingField(name string) error {
	return &fieldError{field: name, missing: true}
}

func invalidField(name string) error {
	return &fieldError{field: name}
}

type wireMessage struct {
	Type            Kind            `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	Timestamp       *int64          `json:"timestamp"`
	MessageID       string          `json:"messageId"`
	DeviceID        *string         `json:"deviceId"`
	SessionID       *string         `json:"sessionId"`
	ProtocolVersion *int            `json:"protocolVersion"`
	RequiresAck     *bool           `json:"requiresAck"`
	RetryCount      *int            `json:"retryCount"`
	MaxRetries      *int            `json:"maxRetries"`
}

// Encode marshals a message to its JSON wire form.
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("encode %s message: payload is required", m.Kind)
	}
	if m.Payload.Kind() != m.Kind {
		return nil, fmt.Errorf("encode %s message: %w", m.Kind, ErrPayloadKindMismatch)
	}
	if m.id == "" {
		return nil, fmt.Errorf("encode %s message: message id is required", m.Kind)
	}
	if m.RetryCount > m.MaxRetries {
		return nil, fmt.Errorf("encode %s message: retry count %d exceeds max retries %d", m.Kind, m.RetryCount, m.MaxRetries)
	}

	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", m.Kind, err)
	}

	timestamp := m.Timestamp
	version := m.ProtocolVersion
	requiresAck := m.RequiresAck
	retryCount := m.RetryCount
	maxRetries := m.MaxRetries
	wire := wireMessage{
		Type:            m.Kind,
		Payload:         payload,
		Timestamp:       &timestamp,
		MessageID:       m.id,
		DeviceID:        optionalString(m.DeviceID),
		SessionID:       optionalString(m.SessionID),
		ProtocolVersion: &version,
		RequiresAck:     &requiresAck,
		RetryCount:      &retryCount,
		MaxRetries:      &maxRetries,
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", m.Kind, err)
	}
	return raw, nil
}

// Decode parses and validates one wire message. Every failure matches
// ErrMalformedMessage. Newer protocol versions decode successfully.
func Decode(raw []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, &MalformedError{Err: err}
	}

	if wire.Type == "" {
		return Message{}, &MalformedError{Field: "type", Err: missingField("type")}
	}
	target, ok := newPayload(wire.Type)
	if !ok {
		return Message{}, &MalformedError{Kind: wire.Type, Field: "type", Err: ErrUnknownKind}
	}

	switch {
	case wire.MessageID == "":
		return Message{}, &MalformedError{Kind: wire.Type, Field: "messageId", Err: missingField("messageId")}
	case wire.Timestamp == nil:
		return Message{}, &MalformedError{Kind: wire.Type, Field: "timestamp", Err: missingField("timestamp")}
	case wire.ProtocolVersion == nil:
		return Message{}, &MalformedError{Kind: wire.Type, Field: "protocolVersion", Err: missingField("protocolVersion")}
	case *wire.ProtocolVersion < 1:
		return Message{}, &MalformedError{Kind: wire.Type, Field: "protocolVersion", Err: invalidField("protocolVersion")}
	}

	payloadRaw := bytes.TrimSpace(wire.Payload)
	if len(payloadRaw) == 0 || bytes.Equal(payloadRaw, []byte("null")) {
		return Message{}, &MalformedError{Kind: wire.Type, Field: "payload", Err: missingField("payload")}
	}
	if payloadRaw[0] != '{' {
		return Message{}, &MalformedError{Kind: wire.Type, Field: "payload", Err: invalidField("payload")}
	}
	if err := json.Unmarshal(payloadRaw, target); err != nil {
		return Message{}, &MalformedError{Kind: wire.Type, Field: "payload", Err: err}
	}

	payload := deref(target)
	if err := payload.validate(); err != nil {
		field := "payload"
		var fe *fieldError
		if errors.As(err, &fe) {
			field = "payload." + fe.field
		}
		return Message{}, &MalformedError{Kind: wire.Type, Field: field, Err: err}
	}

	msg := Message{
		Kind:            wire.Type,
		Payload:         payload,
		ProtocolVersion: *wire.ProtocolVersion,
		Timestamp:       *wire.Timestamp,
		MaxRetries:      DefaultMaxRetries,
		id:              wire.MessageID,
	}
	if wire.DeviceID != nil {
		msg.DeviceID = *wire.DeviceID
	}
	if wire.SessionID != nil {
		msg.SessionID = *wire.SessionID
	}
	if wire.RequiresAck != nil {
		msg.RequiresAck = *wire.RequiresAck
	}
	if wire.RetryCount != nil {
		msg.RetryCount = *wire.RetryCount
	}
	if wire.MaxRetries != nil {
		msg.MaxRetries = *wire.MaxRetries
	}
	if msg.RetryCount < 0 || msg.MaxRetries < 0 {
		return Message{}, &MalformedError{Kind: wire.Type, Field: "retryCount", Err: invalidField("retryCount")}
	}
	if msg.RetryCount > msg.MaxRetries {
		return Message{}, &MalformedError{
			Kind:  wire.Type,
			Field: "retryCount",
			Err:   fmt.Errorf("retry count %d exceeds max retries %d", msg.RetryCount, msg.MaxRetries),
		}
	}

	return msg, nil
}

// DecodeKind extracts only the envelope type, for logging undecodable frames.
func DecodeKind(raw []byte) (Kind, error) {
	var envelope struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", &MalformedError{Err: err}
	}
	if envelope.Type == "" {
		return "", &MalformedError{Field: "type", Err: missingField("type")}
	}
	return envelope.Type, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
