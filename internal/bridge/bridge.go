// Package bridge translates task lifecycle events from the external CRUD
// layer into ScheduleStore operations. It is the only writer of occurrence 0;
// later occurrences are chained by the scheduler as deliveries resolve.
package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"remindd/internal/domain"
	"remindd/internal/policy"
	"remindd/internal/store"
)

// Waker lets the bridge nudge the scheduler after scheduling a reminder whose
// fire time may be sooner than the current poll deadline.
type Waker interface {
	Wake()
}

type Bridge struct {
	store store.Store
	waker Waker
	now   func() time.Time
}

// New builds a Bridge. waker may be nil; polling alone stays correct.
func New(st store.Store, waker Waker) *Bridge {
	return &Bridge{store: st, waker: waker, now: time.Now}
}

// OnCreated schedules occurrence 0 for a newly created task.
func (b *Bridge) OnCreated(ctx context.Context, task domain.Task) error {
	return b.sync(ctx, task)
}

// OnUpdated re-derives occurrence 0 after any scheduling-relevant edit. The
// caller has already bumped Task.Version, so reminders computed against the
// old version go stale; the upsert supersedes occurrence 0 eagerly and the
// scheduler's version check catches the rest lazily. Un-completing a task
// goes through here as well.
func (b *Bridge) OnUpdated(ctx context.Context, task domain.Task) error {
	return b.sync(ctx, task)
}

// OnCompleted cancels everything pending for the task.
func (b *Bridge) OnCompleted(ctx context.Context, taskID string) error {
	return b.cancelAll(ctx, taskID)
}

// OnDeleted cancels everything pending for the task.
func (b *Bridge) OnDeleted(ctx context.Context, taskID string) error {
	return b.cancelAll(ctx, taskID)
}

func (b *Bridge) sync(ctx context.Context, task domain.Task) error {
	if task.Completed || task.DueAt == nil {
		return b.cancelAll(ctx, task.ID)
	}

	// Occurrence 0 is the task's own due time; the recurrence rule only
	// drives occurrences 1+.
	fireAt, ok := policy.FireAt(*task.DueAt, task.ReminderOffset, b.now())
	if !ok {
		// no reminder offset: the task recurs silently, nothing to fire
		return b.cancelAll(ctx, task.ID)
	}

	// Reminders for later occurrences of the previous version stay behind;
	// cancel them eagerly rather than waiting for the lazy check.
	if _, err := b.store.CancelAllForTask(ctx, task.ID); err != nil {
		return err
	}

	id, err := b.store.Upsert(ctx, domain.ScheduledReminder{
		TaskID:        task.ID,
		OwnerID:       task.OwnerID,
		FireAt:        fireAt,
		TaskVersion:   task.Version,
		OccurrenceSeq: 0,
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("reminder_id", id).
		Str("task_id", task.ID).
		Int64("task_version", task.Version).
		Time("fire_at", fireAt).
		Msg("reminder scheduled")

	if b.waker != nil {
		b.waker.Wake()
	}
	return nil
}

func (b *Bridge) cancelAll(ctx context.Context, taskID string) error {
	n, err := b.store.CancelAllForTask(ctx, taskID)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Str("task_id", taskID).Int("cancelled", n).Msg("reminders cancelled")
	}
	return nil
}
