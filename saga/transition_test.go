package saga_test

import (
	"reflect"
	"testing"

	"github.com/xraph/backbone/saga"
)

func TestTransition(t *testing.T) {
	scheduledDirector := saga.Interview{ID: "iv-1", Kind: saga.InterviewDirector, Status: saga.InterviewScheduled}

	tests := []struct {
		name     string
		snap     saga.Snapshot
		in       saga.Input
		wantStep saga.Step
		want     []saga.Effect
	}{
		{
			name:     "terminal approved is a no-op",
			snap:     saga.Snapshot{Status: saga.StatusApproved},
			in:       saga.EvaluationsCompleted{OverallPassed: false},
			wantStep: saga.StepCompleted,
		},
		{
			name:     "terminal waitlist is a no-op",
			snap:     saga.Snapshot{Status: saga.StatusWaitlist},
			in:       saga.InterviewsCompleted{},
			wantStep: saga.StepWaitlisted,
		},
		{
			name:     "evaluations failed rejects",
			snap:     saga.Snapshot{Status: saga.StatusUnderReview, Interviews: []saga.Interview{scheduledDirector}},
			in:       saga.EvaluationsCompleted{OverallPassed: false},
			wantStep: saga.StepCompleted,
			want: []saga.Effect{
				saga.UpdateStatus{Step: saga.StepRejectionProcess, Status: saga.StatusRejected, Reason: "evaluations not passed"},
				saga.CancelPendingInterviews{Step: saga.StepRejectionProcess},
				saga.QueueNotification{Step: saga.StepRejectionProcess, Kind: saga.NotifyRejected},
			},
		},
		{
			name:     "evaluations passed without director interview schedules one",
			snap:     saga.Snapshot{Status: saga.StatusUnderReview},
			in:       saga.EvaluationsCompleted{OverallPassed: true},
			wantStep: saga.StepSchedulingInterviews,
			want: []saga.Effect{
				saga.UpdateStatus{Step: saga.StepApprovalProcess, Status: saga.StatusPendingApproval, Reason: "evaluations passed"},
				saga.ScheduleInterview{Step: saga.StepSchedulingInterviews, Kind: saga.InterviewDirector},
			},
		},
		{
			name:     "director interview already booked",
			snap:     saga.Snapshot{Status: saga.StatusPendingApproval, Interviews: []saga.Interview{scheduledDirector}},
			in:       saga.EvaluationsCompleted{OverallPassed: true},
			wantStep: saga.StepSchedulingInterviews,
		},
		{
			name:     "evaluations passed with director interview done reserves a seat",
			snap:     saga.Snapshot{Status: saga.StatusUnderReview, Interviews: []saga.Interview{directorDone(saga.RecommendPositive, 8)}},
			in:       saga.EvaluationsCompleted{OverallPassed: true},
			wantStep: saga.StepFinalApproval,
			want: []saga.Effect{
				saga.UpdateStatus{Step: saga.StepApprovalProcess, Status: saga.StatusPendingApproval, Reason: "evaluations passed"},
				saga.ReserveSeat{Step: saga.StepFinalApproval},
			},
		},
		{
			name:     "interviews passed before evaluations waits",
			snap:     saga.Snapshot{Status: saga.StatusUnderReview, Interviews: []saga.Interview{directorDone(saga.RecommendPositive, 7)}},
			in:       saga.InterviewsCompleted{},
			wantStep: saga.StepInterviewsCompleted,
		},
		{
			name: "interviews passed after evaluations reserves a seat",
			snap: saga.Snapshot{
				Status:              saga.StatusPendingApproval,
				EvaluationsComplete: true,
				Interviews:          []saga.Interview{directorDone(saga.RecommendPositive, 7)},
			},
			in:       saga.InterviewsCompleted{},
			wantStep: saga.StepFinalApproval,
			want:     []saga.Effect{saga.ReserveSeat{Step: saga.StepFinalApproval}},
		},
		{
			name: "interviews failed approves conditionally",
			snap: saga.Snapshot{
				Status:              saga.StatusPendingApproval,
				EvaluationsComplete: true,
				Interviews:          []saga.Interview{directorDone(saga.RecommendNegative, 4)},
			},
			in:       saga.InterviewsCompleted{},
			wantStep: saga.StepConditionalApproval,
			want: []saga.Effect{
				saga.ScheduleInterview{Step: saga.StepConditionalApproval, Kind: saga.InterviewFollowUp},
				saga.UpdateStatus{Step: saga.StepConditionalApproval, Status: saga.StatusConditionallyApproved, Reason: "requirements pending"},
				saga.QueueNotification{
					Step: saga.StepConditionalApproval,
					Kind: saga.NotifyConditionallyApproved,
					Missing: []string{
						"no positive recommendation",
						"1 negative recommendation(s)",
						"mean rating 4.0 below 6.0",
					},
				},
			},
		},
		{
			name:     "seat reserved approves",
			snap:     saga.Snapshot{Status: saga.StatusPendingApproval},
			in:       saga.SeatReserved{},
			wantStep: saga.StepCompleted,
			want: []saga.Effect{
				saga.UpdateStatus{Step: saga.StepFinalApproval, Status: saga.StatusApproved, Reason: "all requirements met"},
				saga.QueueNotification{Step: saga.StepFinalApproval, Kind: saga.NotifyApproved},
			},
		},
		{
			name:     "no seat waitlists",
			snap:     saga.Snapshot{Status: saga.StatusPendingApproval},
			in:       saga.SeatUnavailable{},
			wantStep: saga.StepWaitlisted,
			want: []saga.Effect{
				saga.UpdateStatus{Step: saga.StepFinalApproval, Status: saga.StatusWaitlist, Reason: "no seat available"},
				saga.QueueNotification{Step: saga.StepFinalApproval, Kind: saga.NotifyWaitlisted},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := saga.State{ApplicationID: "app-1", CurrentStep: tt.in.Entry()}

			state, effects := saga.Transition(start, tt.snap, tt.in)
			if state.CurrentStep != tt.wantStep {
				t.Fatalf("step = %s, want %s", state.CurrentStep, tt.wantStep)
			}
			if !reflect.DeepEqual(effects, tt.want) {
				t.Fatalf("effects = %#v\nwant %#v", effects, tt.want)
			}

			again, effectsAgain := saga.Transition(start, tt.snap, tt.in)
			if !reflect.DeepEqual(state, again) || !reflect.DeepEqual(effects, effectsAgain) {
				t.Fatal("transition is not deterministic")
			}
		})
	}
}

func TestEvaluateInterviews(t *testing.T) {
	tests := []struct {
		name       string
		interviews []saga.Interview
		passed     bool
		reasons    int
	}{
		{"none completed", []saga.Interview{{Status: saga.InterviewScheduled}}, false, 1},
		{"positive and high rating", []saga.Interview{directorDone(saga.RecommendPositive, 6)}, true, 0},
		{"neutral only", []saga.Interview{directorDone(saga.RecommendNeutral, 9)}, false, 1},
		{
			name: "one negative among positives",
			interviews: []saga.Interview{
				directorDone(saga.RecommendPositive, 9),
				{Status: saga.InterviewCompleted, Recommendation: saga.RecommendNegative, Rating: 8},
			},
			reasons: 1,
		},
		{
			name: "mean below threshold",
			interviews: []saga.Interview{
				directorDone(saga.RecommendPositive, 7),
				{Status: saga.InterviewCompleted, Recommendation: saga.RecommendNeutral, Rating: 4},
			},
			reasons: 1,
		},
		{
			name: "cancelled interviews are ignored",
			interviews: []saga.Interview{
				directorDone(saga.RecommendPositive, 7),
				{Status: saga.InterviewCancelled, Recommendation: saga.RecommendNegative, Rating: 1},
			},
			passed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, reasons := saga.EvaluateInterviews(tt.interviews)
			if passed != tt.passed {
				t.Fatalf("passed = %v, want %v (reasons %v)", passed, tt.passed, reasons)
			}
			if len(reasons) != tt.reasons {
				t.Fatalf("reasons = %v, want %d", reasons, tt.reasons)
			}
		})
	}
}
