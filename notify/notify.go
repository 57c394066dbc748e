// Package notify turns saga notification requests into envelopes on the
// messaging topology. Delivery itself belongs to the channel consumers.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/backbone/envelope"
	"github.com/xraph/backbone/id"
	"github.com/xraph/backbone/saga"
)

// EventType is the type of every envelope the notifier publishes.
const EventType = "notification.requested"

// Channel names used by the notifier.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Publisher sends an envelope on a topology channel. *topology.Publisher
// implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, env *envelope.Envelope) error
}

// Config holds notifier configuration.
type Config struct {
	// Source is the envelope source. Defaults to "backbone".
	Source string
	// Version is the envelope version. Defaults to "1.0.0".
	Version string
	// Default is the channel used when neither the notification nor
	// Routes names one. Defaults to email.
	Default string
	// Routes maps notification kinds to channels.
	Routes map[string]string
	// Priority is the envelope metadata priority. Zero leaves it unset.
	Priority int
}

// Request is the payload of a notification.requested envelope.
type Request struct {
	NotificationID string   `json:"notificationId"`
	ApplicationID  string   `json:"applicationId"`
	Kind           string   `json:"kind"`
	Channel        string   `json:"channel"`
	Missing        []string `json:"missing,omitempty"`
}

// Notifier implements saga.Notifier on top of a Publisher.
type Notifier struct {
	pub    Publisher
	config Config
	logger *slog.Logger
}

var _ saga.Notifier = (*Notifier)(nil)

// New creates a notifier.
func New(pub Publisher, cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Source == "" {
		cfg.Source = "backbone"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.Default == "" {
		cfg.Default = ChannelEmail
	}
	return &Notifier{pub: pub, config: cfg, logger: logger}
}

// QueueNotification publishes n. The envelope continues n's correlation
// and records the triggering event as its cause.
func (nt *Notifier) QueueNotification(ctx context.Context, n saga.Notification) error {
	channel := nt.channel(n)
	req := Request{
		NotificationID: id.NewNotificationID().String(),
		ApplicationID:  n.ApplicationID,
		Kind:           n.Kind,
		Channel:        channel,
		Missing:        n.Missing,
	}

	opts := []envelope.Option{
		envelope.WithCorrelationID(n.CorrelationID),
		envelope.WithCausationID(n.CausationID),
		envelope.WithMetadata(&envelope.Metadata{
			Priority:           nt.config.Priority,
			ContainsPII:        true,
			DataClassification: envelope.ClassInternal,
		}),
	}
	env, err := envelope.New(EventType, nt.config.Version, nt.config.Source, req, opts...)
	if err != nil {
		return fmt.Errorf("notify: build %s: %w", n.Kind, err)
	}

	if err := nt.pub.Publish(ctx, channel, env); err != nil {
		return fmt.Errorf("notify: publish %s on %s: %w", n.Kind, channel, err)
	}

	nt.logger.InfoContext(ctx, "notification queued",
		"event_id", env.EventID,
		"correlation_id", env.CorrelationID,
		"application_id", n.ApplicationID,
		"kind", n.Kind,
		"channel", channel,
	)
	return nil
}

func (nt *Notifier) channel(n saga.Notification) string {
	if n.Channel != "" {
		return n.Channel
	}
	if c, ok := nt.config.Routes[n.Kind]; ok {
		return c
	}
	return nt.config.Default
}
