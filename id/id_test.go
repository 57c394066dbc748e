package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/backbone/id"
)

func TestNewPrefixes(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() id.ID
		prefix id.Prefix
	}{
		{"schema", id.NewSchemaID, id.PrefixSchema},
		{"event", id.NewEventID, id.PrefixEvent},
		{"saga", id.NewSagaID, id.PrefixSaga},
		{"dlq", id.NewDLQID, id.PrefixDLQ},
		{"notification", id.NewNotificationID, id.PrefixNotification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.gen()
			if got.Prefix() != tt.prefix {
				t.Fatalf("prefix = %q, want %q", got.Prefix(), tt.prefix)
			}
			if !strings.HasPrefix(got.String(), string(tt.prefix)+"_") {
				t.Fatalf("string %q lacks prefix", got.String())
			}
		})
	}
}

func TestParseWithPrefixMismatch(t *testing.T) {
	sagaID := id.NewSagaID()
	if _, err := id.ParseSchemaID(sagaID.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
	parsed, err := id.ParseSagaID(sagaID.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != sagaID {
		t.Fatalf("round trip mismatch: %v != %v", parsed, sagaID)
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	if !id.Nil.IsNil() {
		t.Fatal("Nil should be nil")
	}
	if id.Nil.String() != "" {
		t.Fatal("Nil should render empty")
	}
	raw, err := id.Nil.MarshalText()
	if err != nil || len(raw) != 0 {
		t.Fatalf("Nil.MarshalText() = %q, %v", raw, err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID id.ID `json:"id"`
	}
	in := wrapper{ID: id.NewDLQID()}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out wrapper
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID {
		t.Fatalf("got %v, want %v", out.ID, in.ID)
	}
}

func TestUnmarshalText(t *testing.T) {
	src := id.NewSchemaID()
	var got id.ID
	if err := got.UnmarshalText([]byte(src.String())); err != nil {
		t.Fatal(err)
	}
	if got.String() != src.String() {
		t.Fatal("unmarshal mismatch")
	}
	if err := got.UnmarshalText(nil); err != nil || !got.IsNil() {
		t.Fatal("empty text should decode to Nil")
	}
	if err := got.UnmarshalText([]byte("not an id")); err == nil {
		t.Fatal("expected error for malformed text")
	}
}
