// Package notify defines the notification sink boundary. Actual transport
// (email, push, chat) lives outside the engine; the scheduler only needs the
// three-way outcome: delivered, retry later, or give up.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrTransient marks outcomes worth retrying (sink unreachable, timeout).
	ErrTransient = errors.New("transient delivery error")
	// ErrPermanent marks outcomes that must not be retried (recipient gone).
	ErrPermanent = errors.New("permanent delivery error")
)

// Notification is the payload handed to a sink when a reminder fires.
type Notification struct {
	TaskID        string    `json:"task_id"`
	OwnerID       string    `json:"owner_id"`
	OccurrenceSeq int       `json:"occurrence_seq"`
	FireAt        time.Time `json:"fire_at"`
}

// Sink delivers a notification. Implementations must be idempotent per
// (task_id, occurrence_seq): the engine guarantees at-least-once, not
// exactly-once. A nil return means delivered; errors are classified with
// ErrTransient/ErrPermanent, anything unclassified is treated as transient.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the log. Default sink for local runs.
type LogSink struct{}

func (LogSink) Deliver(ctx context.Context, n Notification) error {
	log.Info().
		Str("task_id", n.TaskID).
		Str("owner_id", n.OwnerID).
		Int("occurrence_seq", n.OccurrenceSeq).
		Time("fire_at", n.FireAt).
		Msg("reminder notification")
	return nil
}
