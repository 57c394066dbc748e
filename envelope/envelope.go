// Package envelope defines the canonical wire structure carried by every
// event exchanged between admissions services.
//
// An Envelope holds identity (EventID), type and semantic version, origin,
// the causal chain (CorrelationID, CausationID), the raw JSON payload and
// optional operational metadata. Envelopes are decoded with Parse, which
// runs structural validation before anything else inspects the payload.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/backbone/id"
)

// Envelope is the event wrapper consumed and produced verbatim on the wire.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	EventVersion  string          `json:"eventVersion"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Data          json.RawMessage `json:"data"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// Option configures an Envelope built by New or Derive.
type Option func(*Envelope)

// WithEventID overrides the generated event id.
func WithEventID(eventID string) Option {
	return func(e *Envelope) { e.EventID = eventID }
}

// WithCorrelationID sets the correlation id.
func WithCorrelationID(correlationID string) Option {
	return func(e *Envelope) { e.CorrelationID = correlationID }
}

// WithCausationID sets the causation id.
func WithCausationID(causationID string) Option {
	return func(e *Envelope) { e.CausationID = causationID }
}

// WithTimestamp overrides the envelope timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) { e.Timestamp = ts.UTC() }
}

// WithMetadata attaches operational metadata.
func WithMetadata(md *Metadata) Option {
	return func(e *Envelope) { e.Metadata = md }
}

// New builds a validated envelope. data may be a json.RawMessage, a []byte
// holding JSON, or any value that encodes to JSON. The event id is a fresh
// TypeID and the correlation id defaults to the event id.
func New(eventType, version, source string, data any, opts ...Option) (*Envelope, error) {
	raw, err := encodeData(data)
	if err != nil {
		return nil, err
	}

	e := &Envelope{
		EventID:      id.NewEventID().String(),
		EventType:    eventType,
		EventVersion: version,
		Timestamp:    time.Now().UTC(),
		Source:       source,
		Data:         raw,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.EventID
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	return e, nil
}

// Parse decodes an envelope from JSON and validates its structure.
func Parse(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, &StructuralError{Fields: []string{"envelope"}, Cause: err}
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	return &e, nil
}

// Derive builds a child event of e. The child inherits e's correlation id
// (or e's event id when e has none) and records e as its cause.
func (e *Envelope) Derive(eventType, version, source string, data any, opts ...Option) (*Envelope, error) {
	correlation := e.CorrelationID
	if correlation == "" {
		correlation = e.EventID
	}

	base := []Option{WithCorrelationID(correlation), WithCausationID(e.EventID)}

	return New(eventType, version, source, data, append(base, opts...)...)
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// PayloadHash returns the hex SHA-256 of the raw data bytes.
func (e *Envelope) PayloadHash() string {
	sum := sha256.Sum256(e.Data)
	return hex.EncodeToString(sum[:])
}

// Expired reports whether the metadata TTL has elapsed at now.
// Envelopes without a TTL never expire.
func (e *Envelope) Expired(now time.Time) bool {
	if e.Metadata == nil || e.Metadata.TTL <= 0 {
		return false
	}

	return now.After(e.Timestamp.Add(e.Metadata.TTL))
}

// MaxRetries returns the metadata retry budget, or def when unset.
func (e *Envelope) MaxRetries(def int) int {
	if e.Metadata == nil || e.Metadata.MaxRetries == nil {
		return def
	}

	return *e.Metadata.MaxRetries
}

// Priority returns the metadata priority, or 0 when unset.
func (e *Envelope) Priority() int {
	if e.Metadata == nil {
		return 0
	}

	return e.Metadata.Priority
}

// DecodeData unmarshals the payload into v.
func (e *Envelope) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("envelope: decode data for %s: %w", e.EventType, err)
	}

	return nil
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, &StructuralError{Fields: []string{"data"}}
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("envelope: encode data: %w", err)
		}
		return raw, nil
	}
}
