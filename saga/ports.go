package saga

import "context"

// Applications is the application-owning service. It owns the aggregate
// and its locking; the saga never writes the aggregate directly.
type Applications interface {
	Snapshot(ctx context.Context, applicationID string) (*Snapshot, error)
	UpdateStatus(ctx context.Context, applicationID string, status Status, reason string) error
	// ScheduleInterview books an interview and returns its id.
	ScheduleInterview(ctx context.Context, applicationID string, kind InterviewKind) (string, error)
	CancelInterview(ctx context.Context, interviewID string) error
	// ReserveSeat reports false when no seat is available.
	ReserveSeat(ctx context.Context, applicationID string) (bool, error)
	// ReleaseSeat returns a seat taken by ReserveSeat.
	ReleaseSeat(ctx context.Context, applicationID string) error
}

// Notification is an applicant notification requested by the saga.
type Notification struct {
	ApplicationID string   `json:"applicationId"`
	Kind          string   `json:"kind"`
	Missing       []string `json:"missing,omitempty"`
	// Channel selects the delivery channel; empty means the notifier's default.
	Channel       string   `json:"channel,omitempty"`
	CorrelationID string   `json:"-"`
	CausationID   string   `json:"-"`
}

// Notifier queues applicant notifications.
type Notifier interface {
	QueueNotification(ctx context.Context, n Notification) error
}
