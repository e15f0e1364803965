// Package protocol defines the coordinator/device message envelope, its
// kind-specific payloads and the JSON codec shared by every transport.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// ProtocolVersion is the version written by this implementation.
	ProtocolVersion = 1
	// DefaultMaxRetries is the retransmission budget of a new message.
	DefaultMaxRetries = 3
)

var (
	// ErrRetriesExhausted indicates retry_count already equals max_retries.
	ErrRetriesExhausted = errors.New("protocol: retries exhausted")
	// ErrPayloadKindMismatch indicates a payload built for another kind.
	ErrPayloadKindMismatch = errors.New("protocol: payload does not match message kind")
)

// Message is one protocol envelope. The message id is assigned by Create or
// Decode and cannot be changed afterwards.
type Message struct {
	Kind            Kind
	Payload         Payload
	DeviceID        string
	SessionID       string
	ProtocolVersion int
	Timestamp       int64
	RequiresAck     bool
	RetryCount      int
	MaxRetries      int

	id string
}

// ID returns the globally unique message id.
func (m Message) ID() string {
	return m.id
}

// SentAt returns the send timestamp as a time value.
func (m Message) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// VersionMismatch reports whether the sender speaks another protocol version.
// Mismatches are informational: newer versions are still decoded.
func (m Message) VersionMismatch() bool {
	return m.ProtocolVersion != ProtocolVersion
}

// Retry returns the retransmission of m: same id, retry count incremented.
func (m Message) Retry() (Message, error) {
	if m.RetryCount >= m.MaxRetries {
		return m, ErrRetriesExhausted
	}
	next := m
	next.RetryCount++
	return next, nil
}

// Option customizes Create.
type Option func(*createOptions)

type createOptions struct {
	deviceID    string
	sessionID   string
	requiresAck bool
	maxRetries  int
	clock       clockwork.Clock
}

// WithDeviceID sets the device id of the envelope.
func WithDeviceID(id string) Option {
	return func(o *createOptions) { o.deviceID = id }
}

// WithSessionID sets the session id of the envelope.
func WithSessionID(id string) Option {
	return func(o *createOptions) { o.sessionID = id }
}

// WithRequiresAck marks the message as expecting a correlated acknowledgment.
func WithRequiresAck(requiresAck bool) Option {
	return func(o *createOptions) { o.requiresAck = requiresAck }
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(o *createOptions) { o.maxRetries = n }
}

// WithClock sets the time source used for the send timestamp.
func WithClock(clock clockwork.Clock) Option {
	return func(o *createOptions) { o.clock = clock }
}

// Create builds a message with a fresh id and the current timestamp.
func Create(kind Kind, payload Payload, opts ...Option) (Message, error) {
	if payload == nil {
		return Message{}, fmt.Errorf("create %s message: payload is required", kind)
	}
	if payload.Kind() != kind {
		return Message{}, fmt.Errorf("create %s message with %s payload: %w", kind, payload.Kind(), ErrPayloadKindMismatch)
	}

	options := createOptions{maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&options)
	}
	if options.maxRetries < 0 {
		return Message{}, fmt.Errorf("create %s message: max retries must be >= 0", kind)
	}
	if options.clock == nil {
		options.clock = clockwork.NewRealClock()
	}

	return Message{
		Kind:            kind,
		Payload:         payload,
		DeviceID:        options.deviceID,
		SessionID:       options.sessionID,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       options.clock.Now().UnixMilli(),
		RequiresAck:     options.requiresAck,
		RetryCount:      0,
		MaxRetries:      options.maxRetries,
		id:              uuid.NewString(),
	}, nil
}

// MustCreate is Create for payloads known to be valid; it panics on error.
func MustCreate(kind Kind, payload Payload, opts ...Option) Message {
	msg, err := Create(kind, payload, opts...)
	if err != nil {
		panic(err)
	}
	return msg
}
