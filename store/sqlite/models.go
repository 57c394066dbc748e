package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/internal/entity"
	"github.com/xraph/backbone/schema"
)

// --- Schema models ---

type schemaModel struct {
	grove.BaseModel `grove:"table:backbone_schemas"`

	ID                string     `grove:"id,pk"`
	EventType         string     `grove:"event_type"`
	Version           string     `grove:"version"`
	Body              string     `grove:"body"` // JSON document
	Compatibility     string     `grove:"compatibility"`
	Description       string     `grove:"description"`
	Fingerprint       string     `grove:"fingerprint"`
	IsActive          bool       `grove:"is_active"`
	IsDeprecated      bool       `grove:"is_deprecated"`
	DeprecatedAt      *time.Time `grove:"deprecated_at"`
	DeprecationReason string     `grove:"deprecation_reason"`
	CreatedAt         time.Time  `grove:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"`
}

func toSchemaModel(sc *schema.Schema) *schemaModel {
	return &schemaModel{
		ID:                sc.ID.String(),
		EventType:         sc.EventType,
		Version:           sc.Version,
		Body:              string(sc.Body),
		Compatibility:     string(sc.Compatibility),
		Description:       sc.Description,
		Fingerprint:       sc.Fingerprint,
		IsActive:          sc.IsActive,
		IsDeprecated:      sc.IsDeprecated,
		DeprecatedAt:      sc.DeprecatedAt,
		DeprecationReason: sc.DeprecationReason,
		CreatedAt:         sc.CreatedAt,
		UpdatedAt:         sc.UpdatedAt,
	}
}

func fromSchemaModel(m *schemaModel) (*schema.Schema, error) {
	schemaID, err := id.ParseSchemaID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse schema ID %q: %w", m.ID, err)
	}
	return &schema.Schema{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                schemaID,
		EventType:         m.EventType,
		Version:           m.Version,
		Body:              rawJSON(m.Body),
		Compatibility:     schema.Compatibility(m.Compatibility),
		Description:       m.Description,
		Fingerprint:       m.Fingerprint,
		IsActive:          m.IsActive,
		IsDeprecated:      m.IsDeprecated,
		DeprecatedAt:      m.DeprecatedAt,
		DeprecationReason: m.DeprecationReason,
	}, nil
}

// --- Inbox models ---

type inboxModel struct {
	grove.BaseModel `grove:"table:backbone_inbox"`

	EventID               string     `grove:"event_id,pk"`
	EventType             string     `grove:"event_type"`
	EventVersion          string     `grove:"event_version"`
	CorrelationID         string     `grove:"correlation_id"`
	Source                string     `grove:"source"`
	PayloadHash           string     `grove:"payload_hash"`
	Payload               string     `grove:"payload"` // JSON envelope
	Status                string     `grove:"status"`
	RetryCount            int        `grove:"retry_count"`
	MaxRetries            int        `grove:"max_retries"`
	NextRetryAt           *time.Time `grove:"next_retry_at"`
	ReceivedAt            time.Time  `grove:"received_at"`
	ProcessingStartedAt   *time.Time `grove:"processing_started_at"`
	ProcessingCompletedAt *time.Time `grove:"processing_completed_at"`
	ErrorMessage          string     `grove:"error_message"`
	IdempotencyKey        string     `grove:"idempotency_key"`
	Result                string     `grove:"result"` // JSON document
}

func toInboxModel(ev *inbox.Event) *inboxModel {
	return &inboxModel{
		EventID:               ev.EventID,
		EventType:             ev.EventType,
		EventVersion:          ev.EventVersion,
		CorrelationID:         ev.CorrelationID,
		Source:                ev.Source,
		PayloadHash:           ev.PayloadHash,
		Payload:               string(ev.Payload),
		Status:                string(ev.Status),
		RetryCount:            ev.RetryCount,
		MaxRetries:            ev.MaxRetries,
		NextRetryAt:           ev.NextRetryAt,
		ReceivedAt:            ev.ReceivedAt,
		ProcessingStartedAt:   ev.ProcessingStartedAt,
		ProcessingCompletedAt: ev.ProcessingCompletedAt,
		ErrorMessage:          ev.ErrorMessage,
		IdempotencyKey:        ev.IdempotencyKey,
		Result:                string(ev.Result),
	}
}

func fromInboxModel(m *inboxModel) *inbox.Event {
	return &inbox.Event{
		EventID:               m.EventID,
		EventType:             m.EventType,
		EventVersion:          m.EventVersion,
		CorrelationID:         m.CorrelationID,
		Source:                m.Source,
		PayloadHash:           m.PayloadHash,
		Payload:               rawJSON(m.Payload),
		Status:                inbox.Status(m.Status),
		RetryCount:            m.RetryCount,
		MaxRetries:            m.MaxRetries,
		NextRetryAt:           m.NextRetryAt,
		ReceivedAt:            m.ReceivedAt,
		ProcessingStartedAt:   m.ProcessingStartedAt,
		ProcessingCompletedAt: m.ProcessingCompletedAt,
		ErrorMessage:          m.ErrorMessage,
		IdempotencyKey:        m.IdempotencyKey,
		Result:                rawJSON(m.Result),
	}
}

// --- Idempotency key models ---

type keyModel struct {
	grove.BaseModel `grove:"table:backbone_idempotency_keys"`

	Key       string     `grove:"key,pk"`
	EventID   string     `grove:"event_id"`
	ExpiresAt *time.Time `grove:"expires_at"`
	CreatedAt time.Time  `grove:"created_at"`
}

// --- DLQ models ---

type dlqEntryModel struct {
	grove.BaseModel `grove:"table:backbone_dlq"`

	ID            string     `grove:"id,pk"`
	EventID       string     `grove:"event_id"`
	EventType     string     `grove:"event_type"`
	CorrelationID string     `grove:"correlation_id"`
	Source        string     `grove:"source"`
	Payload       string     `grove:"payload"` // JSON envelope
	Error         string     `grove:"error"`
	RetryCount    int        `grove:"retry_count"`
	ReplayedAt    *time.Time `grove:"replayed_at"`
	FailedAt      time.Time  `grove:"failed_at"`
	CreatedAt     time.Time  `grove:"created_at"`
	UpdatedAt     time.Time  `grove:"updated_at"`
}

func toDLQEntryModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:            e.ID.String(),
		EventID:       e.EventID,
		EventType:     e.EventType,
		CorrelationID: e.CorrelationID,
		Source:        e.Source,
		Payload:       string(e.Payload),
		Error:         e.Error,
		RetryCount:    e.RetryCount,
		ReplayedAt:    e.ReplayedAt,
		FailedAt:      e.FailedAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func fromDLQEntryModel(m *dlqEntryModel) (*dlq.Entry, error) {
	dlqID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse DLQ ID %q: %w", m.ID, err)
	}
	return &dlq.Entry{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            dlqID,
		EventID:       m.EventID,
		EventType:     m.EventType,
		CorrelationID: m.CorrelationID,
		Source:        m.Source,
		Payload:       rawJSON(m.Payload),
		Error:         m.Error,
		RetryCount:    m.RetryCount,
		ReplayedAt:    m.ReplayedAt,
		FailedAt:      m.FailedAt,
	}, nil
}

// rawJSON maps the empty column back to a nil document.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
