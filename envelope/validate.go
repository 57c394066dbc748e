package envelope

import (
	"bytes"
	"regexp"
)

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ValidVersion reports whether v is a semantic x.y.z version.
func ValidVersion(v string) bool {
	return versionPattern.MatchString(v)
}

// Validate checks the required fields and metadata bounds. All problems are
// reported together in a single *StructuralError.
func (e *Envelope) Validate() error {
	var fields []string

	if e.EventID == "" {
		fields = append(fields, "eventId")
	}
	if e.EventType == "" {
		fields = append(fields, "eventType")
	}
	if !ValidVersion(e.EventVersion) {
		fields = append(fields, "eventVersion")
	}
	if e.Timestamp.IsZero() {
		fields = append(fields, "timestamp")
	}
	if e.Source == "" {
		fields = append(fields, "source")
	}
	if len(bytes.TrimSpace(e.Data)) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")) {
		fields = append(fields, "data")
	}

	if md := e.Metadata; md != nil {
		if md.Priority != 0 && (md.Priority < 1 || md.Priority > 10) {
			fields = append(fields, "metadata.priority")
		}
		if md.MaxRetries != nil && *md.MaxRetries < 0 {
			fields = append(fields, "metadata.maxRetries")
		}
		if md.TTL < 0 {
			fields = append(fields, "metadata.ttl")
		}
		if md.RetryStrategy != "" && !md.RetryStrategy.IsValid() {
			fields = append(fields, "metadata.retryStrategy")
		}
		if md.DataClassification != "" && !md.DataClassification.IsValid() {
			fields = append(fields, "metadata.dataClassification")
		}
	}

	if len(fields) > 0 {
		return &StructuralError{Fields: fields}
	}

	return nil
}
