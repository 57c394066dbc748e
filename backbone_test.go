package backbone_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/xraph/backbone"
	"github.com/xraph/backbone/dlq"
	"github.com/xraph/backbone/envelope"
	"github.com/xraph/backbone/inbox"
	"github.com/xraph/backbone/notify"
	"github.com/xraph/backbone/saga"
	"github.com/xraph/backbone/schema"
	"github.com/xraph/backbone/store/memory"
	"github.com/xraph/backbone/topology"
)

func ctx() context.Context { return context.Background() }

func setup(t *testing.T, opts ...backbone.Option) (*backbone.Backbone, *memory.Store) {
	t.Helper()
	s := memory.New()
	b, err := backbone.New(append([]backbone.Option{backbone.WithStore(s)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return b, s
}

func mustEnvelope(t *testing.T, eventType string, data any, opts ...envelope.Option) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(eventType, "1.0.0", "test", data, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

type fakeApps struct {
	mu     sync.Mutex
	status saga.Status
}

func (a *fakeApps) Snapshot(_ context.Context, applicationID string) (*saga.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &saga.Snapshot{ApplicationID: applicationID, Status: a.status, EvaluationsComplete: true}, nil
}

func (a *fakeApps) UpdateStatus(_ context.Context, _ string, status saga.Status, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
	return nil
}

func (a *fakeApps) ScheduleInterview(context.Context, string, saga.InterviewKind) (string, error) {
	return "iv-1", nil
}

func (a *fakeApps) CancelInterview(context.Context, string) error { return nil }

func (a *fakeApps) ReserveSeat(context.Context, string) (bool, error) { return true, nil }

func (a *fakeApps) ReleaseSeat(context.Context, string) error { return nil }

type published struct {
	channel string
	env     *envelope.Envelope
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) Publish(_ context.Context, channel string, env *envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{channel: channel, env: env})
	return nil
}

func TestNewRequiresStore(t *testing.T) {
	_, err := backbone.New()
	if !errors.Is(err, backbone.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestNewRejectsInvalidTopology(t *testing.T) {
	_, err := backbone.New(backbone.WithStore(memory.New()), backbone.WithChannels())
	if !errors.Is(err, topology.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNamespaceAndChannels(t *testing.T) {
	b, _ := setup(t, backbone.WithNamespace("ops"), backbone.WithChannels("email"))

	if b.Topology().Exchange != "ops.x" {
		t.Fatalf("exchange = %q", b.Topology().Exchange)
	}
	if got := b.Topology().Channels(); len(got) != 1 || got[0] != "email" {
		t.Fatalf("channels = %v", got)
	}
}

func TestProcessRunsHandlerOnce(t *testing.T) {
	b, s := setup(t)

	calls := 0
	if err := b.Handle("application.reviewed", inbox.HandlerFunc(func(context.Context, *envelope.Envelope) (any, error) {
		calls++
		return nil, nil
	})); err != nil {
		t.Fatal(err)
	}

	env := mustEnvelope(t, "application.reviewed", map[string]any{"applicationId": "app-1"})

	res, err := b.Process(ctx(), env)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != inbox.OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	res, err = b.Process(ctx(), env)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != inbox.OutcomeDuplicate {
		t.Fatalf("second outcome = %s", res.Outcome)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}

	n, err := s.CountInbox(ctx(), inbox.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("completed rows = %d", n)
	}
}

func TestRequireSchema(t *testing.T) {
	b, s := setup(t, backbone.WithRequireSchema(true))

	env := mustEnvelope(t, "application.reviewed", map[string]any{"applicationId": "app-1"})
	if _, err := b.Process(ctx(), env); !errors.Is(err, schema.ErrSchemaNotFound) {
		t.Fatalf("expected ErrSchemaNotFound, got %v", err)
	}

	if _, err := s.GetInboxEvent(ctx(), env.EventID); !errors.Is(err, backbone.ErrInboxEventNotFound) {
		t.Fatalf("rejected envelope left a row: %v", err)
	}
}

func TestSchemaValidationThroughSink(t *testing.T) {
	b, _ := setup(t)

	_, err := b.RegisterSchema(ctx(), schema.Input{
		EventType: "application.reviewed",
		Version:   "1.0.0",
		Body:      []byte(`{"type":"object","required":["applicationId"],"properties":{"applicationId":{"type":"string"}}}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	env := mustEnvelope(t, "application.reviewed", map[string]any{"reviewer": "x"})
	err = b.Sink().Deliver(ctx(), env)
	if !errors.Is(err, schema.ErrSchemaValidation) {
		t.Fatalf("expected ErrSchemaValidation, got %v", err)
	}
	if !topology.Permanent(err) {
		t.Fatal("schema violations should skip the retry ladder")
	}
}

func TestFailedEventReachesDLQAndReplays(t *testing.T) {
	b, _ := setup(t)

	fail := true
	if err := b.Handle("seat.released", inbox.HandlerFunc(func(context.Context, *envelope.Envelope) (any, error) {
		if fail {
			return nil, errors.New("downstream unavailable")
		}
		return "ok", nil
	})); err != nil {
		t.Fatal(err)
	}

	env := mustEnvelope(t, "seat.released", map[string]any{"applicationId": "app-1"},
		envelope.WithMetadata(&envelope.Metadata{MaxRetries: envelope.Retries(1)}))

	res, err := b.Process(ctx(), env)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != inbox.OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	entries, err := b.DLQ().List(ctx(), dlq.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].EventID != env.EventID {
		t.Fatalf("dlq entries = %+v", entries)
	}

	fail = false
	res, err = b.DLQ().Replay(ctx(), entries[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != inbox.OutcomeCompleted {
		t.Fatalf("replay outcome = %s", res.Outcome)
	}
}

func TestSagaWiring(t *testing.T) {
	b, _ := setup(t)
	if b.Saga() != nil {
		t.Fatal("saga should be disabled without applications")
	}
	if _, ok := b.Handlers().Lookup(saga.EventEvaluationCompleted); ok {
		t.Fatal("saga handlers registered without applications")
	}

	apps := &fakeApps{status: saga.StatusUnderReview}
	pub := &fakePublisher{}
	b, _ = setup(t, backbone.WithApplications(apps), backbone.WithPublisher(pub))

	if b.Saga() == nil {
		t.Fatal("saga not wired")
	}

	env := mustEnvelope(t, saga.EventEvaluationCompleted, map[string]any{
		"applicationId": "app-1",
		"evaluationId":  "ev-1",
		"overallPassed": false,
	})
	res, err := b.Process(ctx(), env)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != inbox.OutcomeCompleted {
		t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
	}
	if apps.status != saga.StatusRejected {
		t.Fatalf("status = %s", apps.status)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.sent) != 1 {
		t.Fatalf("published %d notifications", len(pub.sent))
	}
	if pub.sent[0].channel != notify.ChannelEmail || pub.sent[0].env.EventType != notify.EventType {
		t.Fatalf("published %s on %s", pub.sent[0].env.EventType, pub.sent[0].channel)
	}
	if pub.sent[0].env.CorrelationID != env.CorrelationID {
		t.Fatalf("correlation = %q, want %q", pub.sent[0].env.CorrelationID, env.CorrelationID)
	}
}

func TestAdminHandler(t *testing.T) {
	b, _ := setup(t)

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}

func TestStartStop(t *testing.T) {
	b, _ := setup(t)
	b.Start(ctx())
	b.Stop(ctx())
}
