// Package scheduler runs the engine loop: claim due reminders, verify them
// against the live task, deliver, and schedule the recurrence follow-up.
//
// The ScheduleStore's conditional state transitions are the only coordination
// mechanism, so any number of Service instances can run against the same
// database without double-delivery.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"remindd/internal/domain"
	"remindd/internal/notify"
	"remindd/internal/policy"
	"remindd/internal/recurrence"
	"remindd/internal/store"
)

// TaskReader fetches the live task projection from the external task store.
// Implementations return domain.ErrTaskNotFound for deleted tasks.
type TaskReader interface {
	Get(ctx context.Context, taskID string) (domain.Task, error)
}

// Alerter is invoked when a reminder fails terminally (retry cap exhausted or
// permanent sink error). The default logs an error event; deployments wire a
// pager here.
type Alerter func(r domain.ScheduledReminder, reason string)

type Options struct {
	PollInterval time.Duration // default 15s
	BatchLimit   int           // max reminders claimed per cycle, default 100
	MaxAttempts  int           // delivery attempts before FAILED, default 5
	Concurrency  int           // concurrent deliveries, default 8
	Visibility   time.Duration // FIRING rows older than this are requeued, default 60s
	Alerter      Alerter
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Visibility <= 0 {
		o.Visibility = 60 * time.Second
	}
	if o.Alerter == nil {
		o.Alerter = func(r domain.ScheduledReminder, reason string) {
			log.Error().
				Str("event", "reminder_failed_terminal").
				Str("reminder_id", r.ID).
				Str("task_id", r.TaskID).
				Int("occurrence_seq", r.OccurrenceSeq).
				Int("attempts", r.AttemptCount+1).
				Str("reason", reason).
				Msg("reminder delivery failed terminally")
		}
	}
	return o
}

type Service struct {
	store store.Store
	tasks TaskReader
	sink  notify.Sink
	opts  Options

	sem      chan struct{}
	stop     chan struct{}
	wake     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup

	now func() time.Time
}

func New(st store.Store, tasks TaskReader, sink notify.Sink, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store: st,
		tasks: tasks,
		sink:  sink,
		opts:  opts,
		sem:   make(chan struct{}, opts.Concurrency),
		stop:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Start blocks, polling for due reminders until ctx is done or Stop is
// called. In-flight deliveries are allowed to finish before it returns.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.opts.PollInterval).Msg("reminder scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return
		case <-s.stop:
			s.inflight.Wait()
			log.Info().Msg("reminder scheduler stopped")
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.runCycle(ctx)
	}
}

// Stop ends the loop after the current cycle; no new reminders are claimed.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Wake triggers an immediate poll. The bridge calls this after scheduling a
// reminder so near-term fire times don't wait out the full poll interval.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) runCycle(ctx context.Context) {
	if n, err := s.store.RecoverStale(ctx, s.opts.Visibility); err != nil {
		log.Error().Err(err).Msg("recover stale reminders failed, retrying next poll")
		return
	} else if n > 0 {
		log.Warn().Int("requeued", n).Msg("requeued reminders stuck in firing")
	}

	claimed, err := s.store.ClaimDue(ctx, s.now(), s.opts.BatchLimit)
	if err != nil {
		log.Error().Err(err).Msg("claim due reminders failed, retrying next poll")
		return
	}

	for _, r := range claimed {
		s.sem <- struct{}{}
		s.inflight.Add(1)
		go func(rem domain.ScheduledReminder) {
			defer func() { <-s.sem; s.inflight.Done() }()
			s.process(ctx, rem)
		}(r)
	}
}

func (s *Service) process(ctx context.Context, r domain.ScheduledReminder) {
	task, err := s.tasks.Get(ctx, r.TaskID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		s.cancelStale(ctx, r, "task deleted")
		return
	}
	if err != nil {
		// Leave the row FIRING; RecoverStale requeues it after the
		// visibility window.
		log.Error().Err(err).Str("reminder_id", r.ID).Msg("task lookup failed")
		return
	}

	// Lazy invalidation: edits racing the claim are caught here even when
	// the eager cancel on the bridge path lost the race.
	if task.Version != r.TaskVersion {
		s.cancelStale(ctx, r, "task version changed")
		return
	}
	if task.Completed {
		s.cancelStale(ctx, r, "task completed")
		return
	}

	err = s.sink.Deliver(ctx, notify.Notification{
		TaskID:        r.TaskID,
		OwnerID:       r.OwnerID,
		OccurrenceSeq: r.OccurrenceSeq,
		FireAt:        r.FireAt,
	})
	switch {
	case err == nil:
		ok, merr := s.store.MarkDelivered(ctx, r.ID)
		if merr != nil {
			log.Error().Err(merr).Str("reminder_id", r.ID).Msg("mark delivered failed")
			return
		}
		if !ok {
			// cancelled mid-delivery; the sink is idempotent, do not recur
			log.Debug().Str("reminder_id", r.ID).Msg("reminder cancelled mid-delivery")
			return
		}
		log.Info().
			Str("reminder_id", r.ID).
			Str("task_id", r.TaskID).
			Int("occurrence_seq", r.OccurrenceSeq).
			Msg("reminder delivered")
		s.scheduleNext(ctx, task, r)

	case errors.Is(err, notify.ErrPermanent):
		// a single failed reminder never breaks the series, but a reminder
		// cancelled mid-delivery must not resurrect one
		if s.failTerminal(ctx, r, err.Error()) {
			s.scheduleNext(ctx, task, r)
		}

	default:
		attempt := r.AttemptCount + 1
		if attempt >= s.opts.MaxAttempts {
			if s.failTerminal(ctx, r, err.Error()) {
				s.scheduleNext(ctx, task, r)
			}
			return
		}
		next := s.now().Add(policy.Backoff(attempt))
		ok, merr := s.store.MarkFailedRetry(ctx, r.ID, next, err.Error())
		if merr != nil {
			log.Error().Err(merr).Str("reminder_id", r.ID).Msg("mark failed retry failed")
			return
		}
		if !ok {
			log.Debug().Str("reminder_id", r.ID).Msg("reminder cancelled mid-delivery")
			return
		}
		log.Warn().Err(err).
			Str("reminder_id", r.ID).
			Int("attempt", attempt).
			Time("next_try", next).
			Msg("reminder delivery failed, will retry")
	}
}

func (s *Service) cancelStale(ctx context.Context, r domain.ScheduledReminder, reason string) {
	if _, err := s.store.Cancel(ctx, r.ID); err != nil {
		log.Error().Err(err).Str("reminder_id", r.ID).Msg("cancel stale reminder failed")
		return
	}
	log.Debug().Str("reminder_id", r.ID).Str("reason", reason).Msg("stale reminder cancelled")
}

// failTerminal moves the reminder to FAILED and alerts. It reports whether the
// mark applied; false means the row was concurrently cancelled, in which case
// the caller must not schedule a follow-up occurrence either.
func (s *Service) failTerminal(ctx context.Context, r domain.ScheduledReminder, reason string) bool {
	ok, err := s.store.MarkFailedTerminal(ctx, r.ID, reason)
	if err != nil {
		log.Error().Err(err).Str("reminder_id", r.ID).Msg("mark failed terminal failed")
		return false
	}
	if !ok {
		log.Debug().Str("reminder_id", r.ID).Msg("reminder cancelled mid-delivery")
		return false
	}
	s.opts.Alerter(r, reason)
	return true
}

// scheduleNext upserts the reminder for occurrence seq+1 of a recurring task.
// Occurrence N+1 is only ever scheduled here, after N resolved, which is what
// guarantees within-task ordering.
func (s *Service) scheduleNext(ctx context.Context, task domain.Task, r domain.ScheduledReminder) {
	if !task.Recurring() || task.DueAt == nil {
		return
	}
	loc := task.Location()

	// Reconstruct this occurrence's due time from the anchor; the stored
	// fire_at may have been clamped and offsets don't invert reliably.
	due, ok := recurrence.DueAt(*task.Recurrence, *task.DueAt, r.OccurrenceSeq, loc)
	if !ok {
		return
	}
	next, ok := recurrence.Next(*task.Recurrence, due, r.OccurrenceSeq, loc)
	if !ok {
		log.Info().
			Str("task_id", task.ID).
			Int("occurrence_seq", r.OccurrenceSeq).
			Msg("recurrence series ended")
		return
	}
	fireAt, ok := policy.FireAt(next, task.ReminderOffset, s.now())
	if !ok {
		return
	}

	id, err := s.store.Upsert(ctx, domain.ScheduledReminder{
		TaskID:        task.ID,
		OwnerID:       task.OwnerID,
		FireAt:        fireAt,
		TaskVersion:   task.Version,
		OccurrenceSeq: r.OccurrenceSeq + 1,
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("schedule next occurrence failed")
		return
	}
	log.Info().
		Str("reminder_id", id).
		Str("task_id", task.ID).
		Int("occurrence_seq", r.OccurrenceSeq+1).
		Time("fire_at", fireAt).
		Msg("next occurrence scheduled")
}
