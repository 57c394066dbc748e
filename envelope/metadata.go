package envelope

import (
	"encoding/json"
	"time"
)

// RetryStrategy names how a consumer should space retries.
type RetryStrategy string

const (
	RetryExponential RetryStrategy = "EXPONENTIAL"
	RetryLinear      RetryStrategy = "LINEAR"
	RetryFixed       RetryStrategy = "FIXED"
	RetryNone        RetryStrategy = "NONE"
)

// IsValid reports whether s is a known strategy.
func (s RetryStrategy) IsValid() bool {
	switch s {
	case RetryExponential, RetryLinear, RetryFixed, RetryNone:
		return true
	default:
		return false
	}
}

// DataClassification is the sensitivity label attached to a payload.
type DataClassification string

const (
	ClassPublic       DataClassification = "PUBLIC"
	ClassInternal     DataClassification = "INTERNAL"
	ClassConfidential DataClassification = "CONFIDENTIAL"
	ClassRestricted   DataClassification = "RESTRICTED"
)

// IsValid reports whether c is a known classification.
func (c DataClassification) IsValid() bool {
	switch c {
	case ClassPublic, ClassInternal, ClassConfidential, ClassRestricted:
		return true
	default:
		return false
	}
}

// Sensitive reports whether payloads with this label must never be logged.
func (c DataClassification) Sensitive() bool {
	return c == ClassConfidential || c == ClassRestricted
}

// Metadata carries operational hints honoured by the topology and inbox.
// TTL travels on the wire as milliseconds.
type Metadata struct {
	Priority           int                `json:"priority,omitempty"`
	MaxRetries         *int               `json:"maxRetries,omitempty"`
	RetryStrategy      RetryStrategy      `json:"retryStrategy,omitempty"`
	TTL                time.Duration      `json:"-"`
	RoutingHints       map[string]string  `json:"routingHints,omitempty"`
	ContainsPII        bool               `json:"containsPii,omitempty"`
	DataClassification DataClassification `json:"dataClassification,omitempty"`
}

type metadataJSON struct {
	Priority           int                `json:"priority,omitempty"`
	MaxRetries         *int               `json:"maxRetries,omitempty"`
	RetryStrategy      RetryStrategy      `json:"retryStrategy,omitempty"`
	TTL                int64              `json:"ttl,omitempty"`
	RoutingHints       map[string]string  `json:"routingHints,omitempty"`
	ContainsPII        bool               `json:"containsPii,omitempty"`
	DataClassification DataClassification `json:"dataClassification,omitempty"`
}

// MarshalJSON encodes TTL in milliseconds.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(metadataJSON{
		Priority:           m.Priority,
		MaxRetries:         m.MaxRetries,
		RetryStrategy:      m.RetryStrategy,
		TTL:                m.TTL.Milliseconds(),
		RoutingHints:       m.RoutingHints,
		ContainsPII:        m.ContainsPII,
		DataClassification: m.DataClassification,
	})
}

// UnmarshalJSON decodes TTL from milliseconds.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw metadataJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*m = Metadata{
		Priority:           raw.Priority,
		MaxRetries:         raw.MaxRetries,
		RetryStrategy:      raw.RetryStrategy,
		TTL:                time.Duration(raw.TTL) * time.Millisecond,
		RoutingHints:       raw.RoutingHints,
		ContainsPII:        raw.ContainsPII,
		DataClassification: raw.DataClassification,
	}

	return nil
}

// Retries is a helper for building Metadata.MaxRetries.
func Retries(n int) *int { return &n }
