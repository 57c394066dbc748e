// Package saga drives the post-evaluation admission workflow.
//
// The workflow is a state machine over tagged inputs and effects. Transition
// is a pure function from (state, snapshot, input) to the next state and the
// effects to run; the Orchestrator loads the snapshot, executes effects
// against the application-owning service and compensates the failing step.
// Saga state is ephemeral: every run re-derives its decisions from the
// aggregate's persisted status, so a crashed run is recovered by the next
// qualifying event.
package saga

import (
	"time"

	"github.com/xraph/backbone/id"
)

// Step is a workflow step.
type Step string

const (
	StepEvaluationsCompleted Step = "EVALUATIONS_COMPLETED"
	StepApprovalProcess      Step = "APPROVAL_PROCESS"
	StepSchedulingInterviews Step = "SCHEDULING_INTERVIEWS"
	StepInterviewsCompleted  Step = "INTERVIEWS_COMPLETED"
	StepFinalApproval        Step = "FINAL_APPROVAL"
	StepRejectionProcess     Step = "REJECTION_PROCESS"
	StepConditionalApproval  Step = "CONDITIONAL_APPROVAL"
	StepCompleted            Step = "COMPLETED"
	StepWaitlisted           Step = "WAITLISTED"
	StepCompensated          Step = "COMPENSATED"
)

// IsFinal reports whether the saga run has ended.
func (s Step) IsFinal() bool {
	return s == StepCompleted || s == StepWaitlisted || s == StepCompensated
}

// Status is the application aggregate's status as owned by the admissions service.
type Status string

const (
	StatusSubmitted             Status = "SUBMITTED"
	StatusUnderReview           Status = "UNDER_REVIEW"
	StatusPendingApproval       Status = "PENDING_APPROVAL"
	StatusConditionallyApproved Status = "CONDITIONALLY_APPROVED"
	StatusApproved              Status = "APPROVED"
	StatusRejected              Status = "REJECTED"
	StatusWaitlist              Status = "WAITLIST"
)

// IsTerminal reports whether no saga step may change the aggregate further.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusWaitlist
}

// InterviewKind identifies the purpose of an interview.
type InterviewKind string

const (
	InterviewDirector InterviewKind = "DIRECTOR"
	InterviewFollowUp InterviewKind = "FOLLOW_UP"
)

// InterviewStatus is an interview's lifecycle state.
type InterviewStatus string

const (
	InterviewScheduled InterviewStatus = "SCHEDULED"
	InterviewCompleted InterviewStatus = "COMPLETED"
	InterviewCancelled InterviewStatus = "CANCELLED"
	InterviewNoShow    InterviewStatus = "NO_SHOW"
)

// Recommendation is an interviewer's verdict.
type Recommendation string

const (
	RecommendPositive Recommendation = "POSITIVE"
	RecommendNeutral  Recommendation = "NEUTRAL"
	RecommendNegative Recommendation = "NEGATIVE"
)

// Interview is one interview as reported by the aggregate owner.
type Interview struct {
	ID             string          `json:"id"`
	Kind           InterviewKind   `json:"kind"`
	Status         InterviewStatus `json:"status"`
	Recommendation Recommendation  `json:"recommendation,omitempty"`
	Rating         float64         `json:"rating,omitempty"`
}

// Snapshot is the aggregate state a step decides on. It is loaded fresh
// for every step.
type Snapshot struct {
	ApplicationID       string      `json:"applicationId"`
	Status              Status      `json:"status"`
	EvaluationsComplete bool        `json:"evaluationsComplete"`
	Interviews          []Interview `json:"interviews"`
}

// hasInterview reports whether an interview of kind is in status.
func (s Snapshot) hasInterview(kind InterviewKind, status InterviewStatus) bool {
	for _, iv := range s.Interviews {
		if iv.Kind == kind && iv.Status == status {
			return true
		}
	}
	return false
}

// State is the ephemeral record of one saga run.
type State struct {
	SagaID              id.ID      `json:"sagaId"`
	ApplicationID       string     `json:"applicationId"`
	CorrelationID       string     `json:"correlationId,omitempty"`
	CurrentStep         Step       `json:"currentStep"`
	OverallPassed       *bool      `json:"overallPassed,omitempty"`
	InterviewsPassed    *bool      `json:"interviewsPassed,omitempty"`
	MissingRequirements []string   `json:"missingRequirements,omitempty"`
	ScheduledInterviews []string   `json:"scheduledInterviews,omitempty"`
	StartedAt           time.Time  `json:"startedAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

// ──────────────────────────────────────────────────
// Inputs
// ──────────────────────────────────────────────────

// Input is an event that advances the saga.
type Input interface {
	// Entry is the step a run starting from this input begins in.
	Entry() Step
	isInput()
}

// EvaluationsCompleted reports that every evaluation of the application is done.
type EvaluationsCompleted struct {
	OverallPassed bool `json:"overallPassed"`
}

// InterviewsCompleted reports that an interview finished.
type InterviewsCompleted struct{}

// SeatReserved is fed back after a successful seat reservation.
type SeatReserved struct{}

// SeatUnavailable is fed back when no seat could be reserved.
type SeatUnavailable struct{}

func (EvaluationsCompleted) Entry() Step { return StepEvaluationsCompleted }
func (InterviewsCompleted) Entry() Step  { return StepInterviewsCompleted }
func (SeatReserved) Entry() Step         { return StepFinalApproval }
func (SeatUnavailable) Entry() Step      { return StepFinalApproval }

func (EvaluationsCompleted) isInput() {}
func (InterviewsCompleted) isInput()  {}
func (SeatReserved) isInput()         {}
func (SeatUnavailable) isInput()      {}

// ──────────────────────────────────────────────────
// Effects
// ──────────────────────────────────────────────────

// Effect is an external action requested by Transition. Each effect runs
// on behalf of one step, which scopes its compensation.
type Effect interface {
	StepOf() Step
	isEffect()
}

// UpdateStatus sets the aggregate status.
type UpdateStatus struct {
	Step   Step
	Status Status
	Reason string
}

// ScheduleInterview books an interview of Kind.
type ScheduleInterview struct {
	Step Step
	Kind InterviewKind
}

// CancelPendingInterviews cancels every SCHEDULED interview in the snapshot.
type CancelPendingInterviews struct {
	Step Step
}

// ReserveSeat asks for a seat; the result is fed back as SeatReserved or
// SeatUnavailable.
type ReserveSeat struct {
	Step Step
}

// QueueNotification asks the notifier to inform the applicant.
type QueueNotification struct {
	Step    Step
	Kind    string
	Missing []string
}

func (e UpdateStatus) StepOf() Step            { return e.Step }
func (e ScheduleInterview) StepOf() Step       { return e.Step }
func (e CancelPendingInterviews) StepOf() Step { return e.Step }
func (e ReserveSeat) StepOf() Step             { return e.Step }
func (e QueueNotification) StepOf() Step       { return e.Step }

func (UpdateStatus) isEffect()            {}
func (ScheduleInterview) isEffect()       {}
func (CancelPendingInterviews) isEffect() {}
func (ReserveSeat) isEffect()             {}
func (QueueNotification) isEffect()       {}

// Notification kinds queued by the saga.
const (
	NotifyApproved              = "application.approved"
	NotifyRejected              = "application.rejected"
	NotifyWaitlisted            = "application.waitlisted"
	NotifyConditionallyApproved = "application.conditionally_approved"
)
