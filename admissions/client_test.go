package admissions_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/xraph/backbone/admissions"
	"github.com/xraph/backbone/saga"
)

// fakeService is an httptest admissions service with one application.
type fakeService struct {
	mu       sync.Mutex
	status   saga.Status
	seats    int
	reserved int
	cancels  []string
	auth     string
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /applications/{id}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = r.Header.Get("Authorization")
		if r.PathValue("id") != "app-1" {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(saga.Snapshot{
			ApplicationID:       "app-1",
			Status:              f.status,
			EvaluationsComplete: true,
			Interviews: []saga.Interview{
				{ID: "iv-1", Kind: saga.InterviewDirector, Status: saga.InterviewCompleted, Recommendation: saga.RecommendPositive, Rating: 7.5},
			},
		})
	})
	mux.HandleFunc("PUT /applications/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.status = saga.Status(body.Status)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /applications/{id}/interviews", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Kind string `json:"kind"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "iv-" + body.Kind})
	})
	mux.HandleFunc("DELETE /interviews/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.PathValue("id") == "gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.cancels = append(f.cancels, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /applications/{id}/seat-reservations", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.seats == 0 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.seats--
		f.reserved++
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("DELETE /applications/{id}/seat-reservations", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.reserved == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.reserved--
		f.seats++
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newClient(t *testing.T, f *fakeService) *admissions.Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	c, err := admissions.NewClient(admissions.Config{BaseURL: srv.URL + "/", Token: "secret", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSnapshot(t *testing.T) {
	f := &fakeService{status: saga.StatusPendingApproval}
	c := newClient(t, f)

	snap, err := c.Snapshot(context.Background(), "app-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != saga.StatusPendingApproval || !snap.EvaluationsComplete || len(snap.Interviews) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Interviews[0].Rating != 7.5 {
		t.Fatalf("rating = %v", snap.Interviews[0].Rating)
	}
	if f.auth != "Bearer secret" {
		t.Fatalf("authorization = %q", f.auth)
	}
}

func TestSnapshotNotFound(t *testing.T) {
	c := newClient(t, &fakeService{})

	_, err := c.Snapshot(context.Background(), "missing")
	var se *admissions.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusNotFound || se.Path != "/applications/missing/snapshot" {
		t.Fatalf("status error = %+v", se)
	}
}

func TestUpdateStatusAndInterviews(t *testing.T) {
	f := &fakeService{status: saga.StatusUnderReview}
	c := newClient(t, f)
	ctx := context.Background()

	if err := c.UpdateStatus(ctx, "app-1", saga.StatusApproved, "all requirements met"); err != nil {
		t.Fatal(err)
	}
	if f.status != saga.StatusApproved {
		t.Fatalf("status = %s", f.status)
	}

	ivID, err := c.ScheduleInterview(ctx, "app-1", saga.InterviewFollowUp)
	if err != nil {
		t.Fatal(err)
	}
	if ivID != "iv-FOLLOW_UP" {
		t.Fatalf("interview id = %q", ivID)
	}

	if err := c.CancelInterview(ctx, ivID); err != nil {
		t.Fatal(err)
	}
	if err := c.CancelInterview(ctx, "gone"); err != nil {
		t.Fatalf("cancelling a missing interview should succeed: %v", err)
	}
	if len(f.cancels) != 1 || f.cancels[0] != "iv-FOLLOW_UP" {
		t.Fatalf("cancels = %v", f.cancels)
	}
}

func TestReserveSeat(t *testing.T) {
	f := &fakeService{seats: 1}
	c := newClient(t, f)
	ctx := context.Background()

	ok, err := c.ReserveSeat(ctx, "app-1")
	if err != nil || !ok {
		t.Fatalf("first reservation = %v, %v", ok, err)
	}
	ok, err = c.ReserveSeat(ctx, "app-1")
	if err != nil || ok {
		t.Fatalf("second reservation = %v, %v; want no seat", ok, err)
	}

	if err := c.ReleaseSeat(ctx, "app-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.ReleaseSeat(ctx, "app-1"); err != nil {
		t.Fatalf("releasing a seat twice should succeed: %v", err)
	}
	ok, err = c.ReserveSeat(ctx, "app-1")
	if err != nil || !ok {
		t.Fatalf("reservation after release = %v, %v", ok, err)
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := admissions.NewClient(admissions.Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Snapshot(context.Background(), "app-1"); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "admissions:8080"},
		{"ftp", "ftp://admissions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := admissions.NewClient(admissions.Config{BaseURL: tt.url}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
