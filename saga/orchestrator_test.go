package saga_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/xraph/backbone/observability"
	"github.com/xraph/backbone/saga"
)

func TestDriveRejects(t *testing.T) {
	apps := newApps(saga.StatusUnderReview,
		saga.Interview{ID: "iv-1", Kind: saga.InterviewDirector, Status: saga.InterviewScheduled},
		saga.Interview{ID: "iv-2", Kind: saga.InterviewFollowUp, Status: saga.InterviewCompleted},
	)
	notes := &fakeNotifier{}
	orch := saga.NewOrchestrator(apps, notes, saga.Config{}, nil)

	state, err := orch.Drive(ctx(), "app-1", "corr-1", saga.EvaluationsCompleted{OverallPassed: false})
	if err != nil {
		t.Fatal(err)
	}
	if state.CurrentStep != saga.StepCompleted || state.CompletedAt == nil {
		t.Fatalf("state = %+v", state)
	}
	if state.OverallPassed == nil || *state.OverallPassed {
		t.Fatal("overallPassed should be recorded as false")
	}
	if apps.status() != saga.StatusRejected {
		t.Fatalf("status = %s", apps.status())
	}
	if apps.interview("iv-1").Status != saga.InterviewCancelled {
		t.Fatal("pending interview not cancelled")
	}
	if apps.interview("iv-2").Status != saga.InterviewCompleted {
		t.Fatal("completed interview must be left alone")
	}
	if got := notes.kinds(); !reflect.DeepEqual(got, []string{saga.NotifyRejected}) {
		t.Fatalf("notifications = %v", got)
	}
	if notes.sent[0].CorrelationID != "corr-1" {
		t.Fatalf("correlation = %q", notes.sent[0].CorrelationID)
	}
}

func TestDriveApprovesWithSeat(t *testing.T) {
	apps := newApps(saga.StatusUnderReview, directorDone(saga.RecommendPositive, 8))
	apps.seats = 1
	notes := &fakeNotifier{}
	orch := saga.NewOrchestrator(apps, notes, saga.Config{}, nil)

	state, err := orch.Drive(ctx(), "app-1", "corr-1", saga.EvaluationsCompleted{OverallPassed: true})
	if err != nil {
		t.Fatal(err)
	}
	if state.CurrentStep != saga.StepCompleted {
		t.Fatalf("step = %s", state.CurrentStep)
	}
	if apps.status() != saga.StatusApproved {
		t.Fatalf("status = %s", apps.status())
	}
	want := []string{"status:PENDING_APPROVAL", "reserve", "status:APPROVED"}
	if !reflect.DeepEqual(apps.calls, want) {
		t.Fatalf("calls = %v, want %v", apps.calls, want)
	}
	if got := notes.kinds(); !reflect.DeepEqual(got, []string{saga.NotifyApproved}) {
		t.Fatalf("notifications = %v", got)
	}
}

func TestDriveWaitlistsWithoutSeat(t *testing.T) {
	apps := newApps(saga.StatusUnderReview, directorDone(saga.RecommendPositive, 8))
	notes := &fakeNotifier{}
	orch := saga.NewOrchestrator(apps, notes, saga.Config{}, nil)

	state, err := orch.Drive(ctx(), "app-1", "corr-1", saga.EvaluationsCompleted{OverallPassed: true})
	if err != nil {
		t.Fatal(err)
	}
	if state.CurrentStep != saga.StepWaitlisted {
		t.Fatalf("step = %s", state.CurrentStep)
	}
	if apps.status() != saga.StatusWaitlist {
		t.Fatalf("status = %s", apps.status())
	}
	if got := notes.kinds(); !reflect.DeepEqual(got, []string{saga.NotifyWaitlisted}) {
		t.Fatalf("notifications = %v", got)
	}
}

func TestDriveSchedulesDirectorInterview(t *testing.T) {
	apps := newApps(saga.StatusUnderReview)
	orch := saga.NewOrchestrator(apps, nil, saga.Config{}, nil)

	state, err := orch.Drive(ctx(), "app-1", "corr-1", saga.EvaluationsCompleted{OverallPassed: true})
	if err != nil {
		t.Fatal(err)
	}
	if state.CurrentStep != saga.StepSchedulingInterviews || state.CompletedAt != nil {
		t.Fatalf("state = %+v", state)
	}
	if !reflect.DeepEqual(state.ScheduledInterviews, []string{"iv-new-1"}) {
		t.Fatalf("scheduled = %v", state.ScheduledInterviews)
	}

	// A redelivered evaluation finds the booked interview and does nothing.
	apps.calls = nil
	if _, err := orch.Drive(ctx(), "app-1", "corr-1", saga.EvaluationsCompleted{OverallPassed: true}); err != nil {
		t.Fatal(err)
	}
	if len(apps.calls) != 0 {
		t.Fatalf("redelivery made calls: %v", apps.calls)
	}
}

func TestDriveTerminalIsNoOp(t *testing.T) {
	for _, status := range []saga.Status{saga.StatusApproved, saga.StatusRejected, saga.StatusWaitlist} {
		t.Run(string(status), func(t *testing.T) {
			apps := newApps(status, directorDone(saga.RecommendPositive, 9))
			apps.seats = 5
			notes := &fakeNotifier{}
			orch := saga.NewOrchestrator(apps, notes, saga.Config{}, nil)

			for _, in := range []saga.Input{saga.EvaluationsCompleted{OverallPassed: true}, saga.InterviewsCompleted{}} {
				if _, err := orch.Drive(ctx(), "app-1", "corr-1", in); err != nil {
					t.Fatal(err)
				}
			}
			if len(apps.calls) != 0 || len(notes.kinds()) != 0 {
				t.Fatalf("terminal aggregate was touched: calls %v, notes %v", apps.calls, notes.kinds())
			}
		})
	}
}

func TestDriveCompensatesFinalApproval(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	apps := newApps(saga.StatusUnderReview, directorDone(saga.RecommendPositive, 8))
	apps.failOn = "reserve"
	orch := saga.NewOrchestrator(apps, &fakeNotifier{}, saga.Config{Metrics: metrics}, nil)

	state, err := orch.Drive(ctx(), "app-1", "corr-1", saga.EvaluationsCompleted{OverallPassed: true})
	if !errors.Is(err, saga.ErrSagaStepFailed) {
		t.Fatalf("expected ErrSagaStepFailed, got %v", err)
	}
	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != saga.StepFinalApproval || stepErr.CorrelationID != "corr-1" {
		t.Fatalf("step error = %+v", stepErr)
	}
	if state.CurrentStep != saga.StepCompensated {
		t.Fatalf("step = %s", state.CurrentStep)
	}
	if apps.status() != saga.StatusUnderReview {
		t.Fatalf("status = %s, want rolled back to UNDER_REVIEW", apps.status())
	}

	var m dto.Metric
	if err := metrics.SagaStepsTotal.WithLabelValues(string(saga.StepFinalApproval), "failed").Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.GetCounter().GetValue() != 1 {
		t.Fatalf("failed steps = %v", m.GetCounter().GetValue())
	}
}

func TestDriveReleasesSeatWhenApprovalFails(t *testing.T) {
	apps := newApps(saga.StatusUnderReview, directorDone(saga.RecommendPositive, 8))
	apps.seats = 1
	apps.failOn = "status:APPROVED"
	orch := saga.NewOrchestrator(apps, &fakeNotifier{}, saga.Config{}, nil)

	state, err := orch.Drive(ctx(), "app-1", "corr-1", saga.EvaluationsCompleted{OverallPassed: true})
	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != saga.StepFinalApproval {
		t.Fatalf("err = %v", err)
	}
	if state.CurrentStep != saga.StepCompensated {
		t.Fatalf("step = %s", state.CurrentStep)
	}

	want := []string{"status:PENDING_APPROVAL", "reserve", "status:APPROVED", "status:UNDER_REVIEW", "release"}
	if !reflect.DeepEqual(apps.calls, want) {
		t.Fatalf("calls = %v, want %v", apps.calls, want)
	}
	if apps.seats != 1 {
		t.Fatalf("seats = %d, want the reserved seat returned", apps.seats)
	}
}

func TestDriveCompensatesConditionalApproval(t *testing.T) {
	apps := newApps(saga.StatusPendingApproval, directorDone(saga.RecommendNeutral, 5))
	apps.snap.EvaluationsComplete = true
	apps.failOn = "status:CONDITIONALLY_APPROVED"
	notes := &fakeNotifier{}
	orch := saga.NewOrchestrator(apps, notes, saga.Config{}, nil)

	state, err := orch.Drive(ctx(), "app-1", "corr-1", saga.InterviewsCompleted{})
	var stepErr *saga.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != saga.StepConditionalApproval {
		t.Fatalf("err = %v", err)
	}
	if state.CurrentStep != saga.StepCompensated {
		t.Fatalf("step = %s", state.CurrentStep)
	}

	want := []string{"schedule:FOLLOW_UP", "status:CONDITIONALLY_APPROVED", "cancel:iv-new-1"}
	if !reflect.DeepEqual(apps.calls, want) {
		t.Fatalf("calls = %v, want %v", apps.calls, want)
	}
	if apps.interview("iv-new-1").Status != saga.InterviewCancelled {
		t.Fatal("follow-up interview booked in the failed step was not cancelled")
	}
	if len(notes.kinds()) != 0 {
		t.Fatal("no notification expected after a failed step")
	}
}

func TestDriveSnapshotFailureIsNotAStepError(t *testing.T) {
	apps := newApps(saga.StatusUnderReview)
	apps.snapErr = errBoom
	orch := saga.NewOrchestrator(apps, nil, saga.Config{}, nil)

	_, err := orch.Drive(ctx(), "app-1", "corr-1", saga.InterviewsCompleted{})
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
	if errors.Is(err, saga.ErrSagaStepFailed) {
		t.Fatal("snapshot failure must not be reported as a compensated step")
	}
}

func TestDriveNotifierFailureDoesNotFailStep(t *testing.T) {
	apps := newApps(saga.StatusUnderReview)
	orch := saga.NewOrchestrator(apps, &fakeNotifier{err: errBoom}, saga.Config{}, nil)

	state, err := orch.Drive(ctx(), "app-1", "corr-1", saga.EvaluationsCompleted{OverallPassed: false})
	if err != nil {
		t.Fatal(err)
	}
	if state.CurrentStep != saga.StepCompleted || apps.status() != saga.StatusRejected {
		t.Fatalf("state = %s, status = %s", state.CurrentStep, apps.status())
	}
}
