package saga_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xraph/backbone/saga"
)

func ctx() context.Context { return context.Background() }

// fakeApps is an in-memory application aggregate.
type fakeApps struct {
	mu      sync.Mutex
	snap    saga.Snapshot
	seats   int
	failOn  string
	calls   []string
	nextID  int
	snapErr error
}

func newApps(status saga.Status, interviews ...saga.Interview) *fakeApps {
	return &fakeApps{snap: saga.Snapshot{
		ApplicationID: "app-1",
		Status:        status,
		Interviews:    interviews,
	}}
}

func (f *fakeApps) record(call string) error {
	f.calls = append(f.calls, call)
	if f.failOn == call {
		return fmt.Errorf("admissions unavailable during %s", call)
	}
	return nil
}

func (f *fakeApps) Snapshot(_ context.Context, _ string) (*saga.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	snap := f.snap
	snap.Interviews = append([]saga.Interview(nil), f.snap.Interviews...)
	return &snap, nil
}

func (f *fakeApps) UpdateStatus(_ context.Context, _ string, status saga.Status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("status:" + string(status)); err != nil {
		return err
	}
	f.snap.Status = status
	return nil
}

func (f *fakeApps) ScheduleInterview(_ context.Context, _ string, kind saga.InterviewKind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("schedule:" + string(kind)); err != nil {
		return "", err
	}
	f.nextID++
	ivID := fmt.Sprintf("iv-new-%d", f.nextID)
	f.snap.Interviews = append(f.snap.Interviews, saga.Interview{ID: ivID, Kind: kind, Status: saga.InterviewScheduled})
	return ivID, nil
}

func (f *fakeApps) CancelInterview(_ context.Context, interviewID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("cancel:" + interviewID); err != nil {
		return err
	}
	for i := range f.snap.Interviews {
		if f.snap.Interviews[i].ID == interviewID {
			f.snap.Interviews[i].Status = saga.InterviewCancelled
		}
	}
	return nil
}

func (f *fakeApps) ReserveSeat(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("reserve"); err != nil {
		return false, err
	}
	if f.seats == 0 {
		return false, nil
	}
	f.seats--
	return true, nil
}

func (f *fakeApps) ReleaseSeat(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("release"); err != nil {
		return err
	}
	f.seats++
	return nil
}

func (f *fakeApps) status() saga.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Status
}

func (f *fakeApps) interview(interviewID string) saga.Interview {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, iv := range f.snap.Interviews {
		if iv.ID == interviewID {
			return iv
		}
	}
	return saga.Interview{}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []saga.Notification
	err  error
}

func (n *fakeNotifier) QueueNotification(_ context.Context, note saga.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Kind)
	}
	return out
}

var errBoom = errors.New("boom")

func directorDone(rec saga.Recommendation, rating float64) saga.Interview {
	return saga.Interview{ID: "iv-dir", Kind: saga.InterviewDirector, Status: saga.InterviewCompleted, Recommendation: rec, Rating: rating}
}
