package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"remindd/internal/domain"
	"remindd/internal/notify"
	"remindd/internal/store"
)

type fakeTasks struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func newFakeTasks(tasks ...domain.Task) *fakeTasks {
	m := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return &fakeTasks{tasks: m}
}

func (f *fakeTasks) Get(ctx context.Context, taskID string) (domain.Task, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return t, nil
}

func (f *fakeTasks) put(t domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

// scriptedSink pops one outcome per delivery; once the script is exhausted
// every delivery succeeds.
type scriptedSink struct {
	mu      sync.Mutex
	script  []error
	deliver []notify.Notification
}

func (s *scriptedSink) Deliver(ctx context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliver = append(s.deliver, n)
	if len(s.script) == 0 {
		return nil
	}
	err := s.script[0]
	s.script = s.script[1:]
	return err
}

func (s *scriptedSink) calls() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Notification, len(s.deliver))
	copy(out, s.deliver)
	return out
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reminders.db")
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	return store.NewSQLiteStore(db)
}

type harness struct {
	svc   *Service
	store store.Store
	tasks *fakeTasks
	sink  *scriptedSink
	clock time.Time
}

func newHarness(t *testing.T, opts Options, tasks ...domain.Task) *harness {
	t.Helper()
	h := &harness{
		store: newTestStore(t),
		tasks: newFakeTasks(tasks...),
		sink:  &scriptedSink{},
		clock: time.Now().UTC().Truncate(time.Second),
	}
	h.svc = New(h.store, h.tasks, h.sink, opts)
	h.svc.now = func() time.Time { return h.clock }
	return h
}

// cycle runs one poll cycle and waits for all deliveries to settle.
func (h *harness) cycle(ctx context.Context) {
	h.svc.runCycle(ctx)
	h.svc.inflight.Wait()
}

func ptr[T any](v T) *T { return &v }

func recurringTask(id string, due time.Time, rule domain.RecurrenceRule, version int64) domain.Task {
	return domain.Task{
		ID:             id,
		OwnerID:        "owner-1",
		DueAt:          &due,
		Recurrence:     &rule,
		ReminderOffset: ptr(time.Duration(0)),
		Version:        version,
	}
}

func seedReminder(t *testing.T, h *harness, task domain.Task, seq int, fireAt time.Time) string {
	t.Helper()
	id, err := h.store.Upsert(context.Background(), domain.ScheduledReminder{
		TaskID:        task.ID,
		OwnerID:       task.OwnerID,
		FireAt:        fireAt,
		TaskVersion:   task.Version,
		OccurrenceSeq: seq,
	})
	require.NoError(t, err)
	return id
}

func TestDeliversAndChainsRecurrence(t *testing.T) {
	ctx := context.Background()
	max := 3
	rule, err := domain.NewDailyRule(1, domain.EndCondition{MaxOccurrences: &max})
	require.NoError(t, err)

	h := newHarness(t, Options{})
	due := h.clock
	task := recurringTask("task-1", due, rule, 1)
	h.tasks.put(task)
	seedReminder(t, h, task, 0, due)

	// occurrence 0
	h.cycle(ctx)
	pending, err := h.store.ListPending(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].OccurrenceSeq)
	assert.WithinDuration(t, due.AddDate(0, 0, 1), pending[0].FireAt, time.Second)

	// occurrence 1
	h.clock = h.clock.AddDate(0, 0, 1).Add(time.Second)
	h.cycle(ctx)

	// occurrence 2: delivered, and the series ends
	h.clock = h.clock.AddDate(0, 0, 1).Add(time.Second)
	h.cycle(ctx)

	pending, err = h.store.ListPending(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, pending, "max_occurrences=3 schedules nothing past occurrence 2")

	calls := h.sink.calls()
	require.Len(t, calls, 3)
	for i, n := range calls {
		assert.Equal(t, i, n.OccurrenceSeq)
	}
}

func TestTransientFailuresRetryThenDeliver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	task := domain.Task{
		ID:             "task-1",
		OwnerID:        "owner-1",
		DueAt:          ptr(h.clock),
		ReminderOffset: ptr(time.Duration(0)),
		Version:        1,
	}
	h.tasks.put(task)
	id := seedReminder(t, h, task, 0, h.clock)

	h.sink.script = []error{
		fmt.Errorf("%w: sink unreachable", notify.ErrTransient),
		fmt.Errorf("%w: sink unreachable", notify.ErrTransient),
	}

	h.cycle(ctx) // attempt 1: transient
	h.clock = h.clock.Add(5 * time.Second)
	h.cycle(ctx) // attempt 2: transient
	h.clock = h.clock.Add(10 * time.Second)
	h.cycle(ctx) // attempt 3: ok

	r, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, r.Status)
	assert.Equal(t, 3, r.AttemptCount)
	assert.Len(t, h.sink.calls(), 3)
}

func TestRetryCapExhaustionFailsTerminally(t *testing.T) {
	ctx := context.Background()
	var (
		alertMu sync.Mutex
		alerted []string
	)
	h := newHarness(t, Options{
		MaxAttempts: 2,
		Alerter: func(r domain.ScheduledReminder, reason string) {
			alertMu.Lock()
			alerted = append(alerted, r.ID)
			alertMu.Unlock()
		},
	})
	rule, err := domain.NewDailyRule(1, domain.EndCondition{})
	require.NoError(t, err)
	task := recurringTask("task-1", h.clock, rule, 1)
	h.tasks.put(task)
	id := seedReminder(t, h, task, 0, h.clock)

	h.sink.script = []error{
		fmt.Errorf("%w: sink unreachable", notify.ErrTransient),
		fmt.Errorf("%w: sink unreachable", notify.ErrTransient),
		fmt.Errorf("%w: sink unreachable", notify.ErrTransient),
	}

	h.cycle(ctx)
	h.clock = h.clock.Add(5 * time.Second)
	h.cycle(ctx)

	r, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, r.Status)

	alertMu.Lock()
	assert.Equal(t, []string{id}, alerted)
	alertMu.Unlock()

	// a failed reminder never breaks the series
	pending, err := h.store.ListPending(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].OccurrenceSeq)
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	rule, err := domain.NewDailyRule(1, domain.EndCondition{})
	require.NoError(t, err)
	task := recurringTask("task-1", h.clock, rule, 1)
	h.tasks.put(task)
	id := seedReminder(t, h, task, 0, h.clock)

	h.sink.script = []error{fmt.Errorf("%w: owner unsubscribed", notify.ErrPermanent)}

	h.cycle(ctx)

	r, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, r.Status)
	assert.Equal(t, 1, r.AttemptCount)

	pending, err := h.store.ListPending(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, pending, 1, "recurrence continues after a permanent failure")
	assert.Equal(t, 1, pending[0].OccurrenceSeq)
}

func TestStaleVersionSkipsDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	task := domain.Task{
		ID:             "task-1",
		OwnerID:        "owner-1",
		DueAt:          ptr(h.clock),
		ReminderOffset: ptr(time.Duration(0)),
		Version:        1,
	}
	h.tasks.put(task)
	id := seedReminder(t, h, task, 0, h.clock)

	// edit racing past the bridge's cancel path
	task.Version = 2
	h.tasks.put(task)

	h.cycle(ctx)

	assert.Empty(t, h.sink.calls(), "stale reminder must not be delivered")
	r, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, r.Status)
}

func TestCompletedTaskSkipsDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	task := domain.Task{
		ID:             "task-1",
		OwnerID:        "owner-1",
		DueAt:          ptr(h.clock),
		ReminderOffset: ptr(time.Duration(0)),
		Completed:      true,
		Version:        1,
	}
	h.tasks.put(task)
	id := seedReminder(t, h, task, 0, h.clock)

	h.cycle(ctx)

	assert.Empty(t, h.sink.calls())
	r, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, r.Status)
}

func TestDeletedTaskCancelsReminder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	task := domain.Task{
		ID:             "task-1",
		OwnerID:        "owner-1",
		DueAt:          ptr(h.clock),
		ReminderOffset: ptr(time.Duration(0)),
		Version:        1,
	}
	id := seedReminder(t, h, task, 0, h.clock) // task never registered

	h.cycle(ctx)

	assert.Empty(t, h.sink.calls())
	r, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, r.Status)
}

func TestFutureRemindersAreLeftAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	task := domain.Task{
		ID:             "task-1",
		OwnerID:        "owner-1",
		DueAt:          ptr(h.clock.Add(time.Hour)),
		ReminderOffset: ptr(time.Duration(0)),
		Version:        1,
	}
	h.tasks.put(task)
	seedReminder(t, h, task, 0, h.clock.Add(time.Hour))

	h.cycle(ctx)

	assert.Empty(t, h.sink.calls())
}

// cancellingSink cancels every reminder for the task mid-delivery before
// reporting its scripted outcome, modelling a task completed or deleted while
// the reminder is out for delivery.
type cancellingSink struct {
	store store.Store
	err   error
}

func (s *cancellingSink) Deliver(ctx context.Context, n notify.Notification) error {
	if _, cerr := s.store.CancelAllForTask(ctx, n.TaskID); cerr != nil {
		return cerr
	}
	return s.err
}

func TestCancelDuringPermanentFailureSchedulesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	rule, err := domain.NewDailyRule(1, domain.EndCondition{})
	require.NoError(t, err)
	task := recurringTask("task-1", h.clock, rule, 1)
	h.tasks.put(task)
	id := seedReminder(t, h, task, 0, h.clock)

	h.svc.sink = &cancellingSink{
		store: h.store,
		err:   fmt.Errorf("%w: owner unsubscribed", notify.ErrPermanent),
	}

	h.cycle(ctx)

	r, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, r.Status, "the cancel wins over the failure mark")

	pending, err := h.store.ListPending(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, pending, "a cancelled reminder must not chain a follow-up occurrence")
}

func TestCancelDuringExhaustedRetrySchedulesNothing(t *testing.T) {
	ctx := context.Background()
	var (
		alertMu sync.Mutex
		alerted []string
	)
	h := newHarness(t, Options{
		MaxAttempts: 1,
		Alerter: func(r domain.ScheduledReminder, reason string) {
			alertMu.Lock()
			alerted = append(alerted, r.ID)
			alertMu.Unlock()
		},
	})
	rule, err := domain.NewDailyRule(1, domain.EndCondition{})
	require.NoError(t, err)
	task := recurringTask("task-1", h.clock, rule, 1)
	h.tasks.put(task)
	id := seedReminder(t, h, task, 0, h.clock)

	h.svc.sink = &cancellingSink{
		store: h.store,
		err:   fmt.Errorf("%w: sink unreachable", notify.ErrTransient),
	}

	h.cycle(ctx)

	r, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, r.Status)

	pending, err := h.store.ListPending(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	alertMu.Lock()
	assert.Empty(t, alerted, "no terminal-failure alert for a reminder that was cancelled")
	alertMu.Unlock()
}

// blockingSink parks deliveries until released, so tests can observe the loop
// while a delivery is in flight.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
}

func (s *blockingSink) Deliver(ctx context.Context, n notify.Notification) error {
	close(s.started)
	<-s.release
	return nil
}

func TestStopDrainsInflightDeliveries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{PollInterval: time.Hour})
	task := domain.Task{
		ID:             "task-1",
		OwnerID:        "owner-1",
		DueAt:          ptr(h.clock),
		ReminderOffset: ptr(time.Duration(0)),
		Version:        1,
	}
	h.tasks.put(task)
	id := seedReminder(t, h, task, 0, h.clock)

	sink := &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
	h.svc.sink = sink

	done := make(chan struct{})
	go func() {
		h.svc.Start(ctx)
		close(done)
	}()
	h.svc.Wake()

	select {
	case <-sink.started:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never started")
	}
	h.svc.Stop()
	close(sink.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	// Start only returns once the in-flight delivery fully resolved.
	r, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, r.Status)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, Options{PollInterval: time.Hour})

	done := make(chan struct{})
	go func() {
		h.svc.Start(context.Background())
		close(done)
	}()

	h.svc.Wake() // exercise the early-wake path
	h.svc.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	h.svc.Stop() // idempotent
}
