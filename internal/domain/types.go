package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrTaskNotFound is returned by task accessors when a task no longer exists.
var ErrTaskNotFound = errors.New("task not found")

// Frequency tags a RecurrenceRule variant.
type Frequency string

const (
	FreqNone     Frequency = "none"
	FreqDaily    Frequency = "daily"
	FreqWeekly   Frequency = "weekly"
	FreqMonthly  Frequency = "monthly"
	FreqInterval Frequency = "interval"
	FreqCron     Frequency = "cron"
)

// RecurrenceRule describes how a task repeats. Build rules through the
// New*Rule constructors; the rest of the engine assumes rules are
// structurally valid.
type RecurrenceRule struct {
	Freq           Frequency
	Interval       int            // calendar variants: every N days/weeks/months
	ByWeekday      []time.Weekday // weekly only
	Every          time.Duration  // interval variant: fixed duration between occurrences
	Expr           string         // cron variant: standard 5-field expression
	EndDate        *time.Time
	MaxOccurrences *int
}

// EndCondition applies an optional end to a rule's series.
type EndCondition struct {
	EndDate        *time.Time
	MaxOccurrences *int
}

func NewDailyRule(interval int, end EndCondition) (RecurrenceRule, error) {
	if interval <= 0 {
		return RecurrenceRule{}, fmt.Errorf("daily rule: interval must be >= 1, got %d", interval)
	}
	return RecurrenceRule{Freq: FreqDaily, Interval: interval, EndDate: end.EndDate, MaxOccurrences: end.MaxOccurrences}, nil
}

func NewWeeklyRule(interval int, byWeekday []time.Weekday, end EndCondition) (RecurrenceRule, error) {
	if interval <= 0 {
		return RecurrenceRule{}, fmt.Errorf("weekly rule: interval must be >= 1, got %d", interval)
	}
	seen := make(map[time.Weekday]bool, len(byWeekday))
	for _, wd := range byWeekday {
		if wd < time.Sunday || wd > time.Saturday {
			return RecurrenceRule{}, fmt.Errorf("weekly rule: invalid weekday %d", wd)
		}
		if seen[wd] {
			return RecurrenceRule{}, fmt.Errorf("weekly rule: duplicate weekday %s", wd)
		}
		seen[wd] = true
	}
	return RecurrenceRule{Freq: FreqWeekly, Interval: interval, ByWeekday: byWeekday, EndDate: end.EndDate, MaxOccurrences: end.MaxOccurrences}, nil
}

func NewMonthlyRule(interval int, end EndCondition) (RecurrenceRule, error) {
	if interval <= 0 {
		return RecurrenceRule{}, fmt.Errorf("monthly rule: interval must be >= 1, got %d", interval)
	}
	return RecurrenceRule{Freq: FreqMonthly, Interval: interval, EndDate: end.EndDate, MaxOccurrences: end.MaxOccurrences}, nil
}

func NewIntervalRule(every time.Duration, end EndCondition) (RecurrenceRule, error) {
	if every <= 0 {
		return RecurrenceRule{}, fmt.Errorf("interval rule: duration must be positive, got %s", every)
	}
	return RecurrenceRule{Freq: FreqInterval, Every: every, EndDate: end.EndDate, MaxOccurrences: end.MaxOccurrences}, nil
}

func NewCronRule(expr string, end EndCondition) (RecurrenceRule, error) {
	if _, err := cron.ParseStandard(expr); err != nil {
		return RecurrenceRule{}, fmt.Errorf("cron rule: %w", err)
	}
	return RecurrenceRule{Freq: FreqCron, Expr: expr, EndDate: end.EndDate, MaxOccurrences: end.MaxOccurrences}, nil
}

// Task is the engine's read-only projection of a task owned by the external
// CRUD layer. Version increments on every mutation relevant to scheduling.
type Task struct {
	ID             string
	OwnerID        string
	DueAt          *time.Time
	Recurrence     *RecurrenceRule
	ReminderOffset *time.Duration // nil = never notify; 0 = notify at due time
	Completed      bool
	Version        int64
	Timezone       string // IANA zone for recurrence arithmetic, empty = UTC
}

// Location resolves the task's timezone, falling back to UTC.
func (t Task) Location() *time.Location {
	if t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Recurring reports whether the task has a live recurrence rule.
func (t Task) Recurring() bool {
	return t.Recurrence != nil && t.Recurrence.Freq != FreqNone
}

// ReminderStatus is the lifecycle state of a ScheduledReminder.
type ReminderStatus string

const (
	StatusPending   ReminderStatus = "pending"
	StatusFiring    ReminderStatus = "firing"
	StatusDelivered ReminderStatus = "delivered"
	StatusCancelled ReminderStatus = "cancelled"
	StatusFailed    ReminderStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s ReminderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusFailed
}

// ScheduledReminder is a durable reminder job owned by the engine.
type ScheduledReminder struct {
	ID            string
	TaskID        string
	OwnerID       string
	FireAt        time.Time
	TaskVersion   int64 // Task.Version the fire time was computed against
	Status        ReminderStatus
	AttemptCount  int
	OccurrenceSeq int // 0-based ordinal within the task's recurrence series
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
