package envelope

import (
	"encoding/json"
	"log/slog"
	"strings"
	"unicode"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/security"
)

const redacted = "***"

// personalKeys are the applicant fields masked on top of the shared
// credential list.
var personalKeys = map[string]bool{
	"rut":           true,
	"email":         true,
	"phone":         true,
	"phone_number":  true,
	"address":       true,
	"birth_date":    true,
	"date_of_birth": true,
}

// IsSensitiveKey reports whether a payload key names personal or secret data.
// Credentials are matched by security.IsSensitiveField; applicant fields
// match on the whole key or its last word, so "guardianEmail" is masked.
func IsSensitiveKey(key string) bool {
	if security.IsSensitiveField(key) {
		return true
	}

	norm := snake(key)
	if personalKeys[norm] {
		return true
	}

	if i := strings.LastIndexByte(norm, '_'); i >= 0 {
		return personalKeys[norm[i+1:]]
	}
	return false
}

func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
			b.WriteByte('_')
		}
		if r == '-' {
			r = '_'
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Mask returns a copy of a JSON document with the values of sensitive keys
// replaced, recursing through objects and arrays. Input that is not valid
// JSON is replaced wholesale.
func Mask(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return json.RawMessage(`"` + redacted + `"`)
	}

	out, err := json.Marshal(maskValue(doc))
	if err != nil {
		return json.RawMessage(`"` + redacted + `"`)
	}

	return out
}

func maskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if IsSensitiveKey(k) {
				t[k] = redacted
				continue
			}
			t[k] = maskValue(inner)
		}
		return t
	case []any:
		for i := range t {
			t[i] = maskValue(t[i])
		}
		return t
	default:
		return v
	}
}

// Sensitive reports whether the payload must be withheld from logs entirely.
func (e *Envelope) Sensitive() bool {
	if e.Metadata == nil {
		return false
	}

	return e.Metadata.ContainsPII || e.Metadata.DataClassification.Sensitive()
}

// LogValue implements slog.LogValuer. Payloads flagged as PII or
// classified CONFIDENTIAL/RESTRICTED are withheld along with routing hints;
// any other payload is logged with sensitive keys masked.
func (e *Envelope) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("event_id", e.EventID),
		slog.String("event_type", e.EventType),
		slog.String("event_version", e.EventVersion),
		slog.String("source", e.Source),
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", e.CorrelationID))
	}
	if e.CausationID != "" {
		attrs = append(attrs, slog.String("causation_id", e.CausationID))
	}

	if e.Sensitive() {
		attrs = append(attrs, slog.String("data", redacted))
		return slog.GroupValue(attrs...)
	}

	attrs = append(attrs, slog.String("data", string(Mask(e.Data))))
	if e.Metadata != nil && len(e.Metadata.RoutingHints) > 0 {
		attrs = append(attrs, slog.Any("routing_hints", e.Metadata.RoutingHints))
	}

	return slog.GroupValue(attrs...)
}
