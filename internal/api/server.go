// Package api exposes the engine's HTTP surface: the lifecycle-event ingest
// endpoints the external CRUD layer pushes into, and read-only diagnostics
// over scheduled reminders. Payload validation happens here, so structurally
// invalid recurrence rules never reach the engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"remindd/internal/bridge"
	"remindd/internal/domain"
	"remindd/internal/store"
)

type Server struct {
	r         *chi.Mux
	store     store.Store
	bridge    *bridge.Bridge
	registry  *bridge.TaskRegistry
	validate  *validator.Validate
	defaultTZ string
}

func NewServer(st store.Store, br *bridge.Bridge, reg *bridge.TaskRegistry, defaultTZ string) http.Handler {
	return NewServerWithDebug(st, br, reg, defaultTZ, false)
}

func NewServerWithDebug(st store.Store, br *bridge.Bridge, reg *bridge.TaskRegistry, defaultTZ string, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, bridge: br, registry: reg, validate: validator.New(), defaultTZ: defaultTZ}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	// Diagnostics
	r.Get("/api/owners/{owner_id}/reminders", s.listPendingReminders)
	r.Get("/api/reminders/{id}", s.getReminder)

	// Lifecycle event ingest (pushed by the task CRUD layer)
	r.Post("/api/events/task-created", s.taskCreated)
	r.Post("/api/events/task-updated", s.taskUpdated)
	r.Post("/api/events/task-completed", s.taskCompleted)
	r.Post("/api/events/task-deleted", s.taskDeleted)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("remindd_up 1\n"))
}

type reminderResp struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	OwnerID       string    `json:"owner_id"`
	FireAt        time.Time `json:"fire_at"`
	TaskVersion   int64     `json:"task_version"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	OccurrenceSeq int       `json:"occurrence_seq"`
	LastError     string    `json:"last_error,omitempty"`
}

func toReminderResp(r domain.ScheduledReminder) reminderResp {
	return reminderResp{
		ID:            r.ID,
		TaskID:        r.TaskID,
		OwnerID:       r.OwnerID,
		FireAt:        r.FireAt,
		TaskVersion:   r.TaskVersion,
		Status:        string(r.Status),
		AttemptCount:  r.AttemptCount,
		OccurrenceSeq: r.OccurrenceSeq,
		LastError:     r.LastError,
	}
}

func (s *Server) listPendingReminders(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	reminders, err := s.store.ListPending(r.Context(), ownerID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]reminderResp, 0, len(reminders))
	for _, rem := range reminders {
		out = append(out, toReminderResp(rem))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rem, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toReminderResp(rem))
}

type recurrencePayload struct {
	Frequency      string     `json:"frequency" validate:"required,oneof=none daily weekly monthly interval cron"`
	Interval       int        `json:"interval" validate:"omitempty,gte=1"`
	ByWeekday      []string   `json:"by_weekday" validate:"omitempty,dive,oneof=sun mon tue wed thu fri sat"`
	EverySeconds   int64      `json:"every_seconds" validate:"omitempty,gte=1"`
	Expr           string     `json:"expr"`
	EndDate        *time.Time `json:"end_date"`
	MaxOccurrences *int       `json:"max_occurrences" validate:"omitempty,gte=1"`
}

type taskEvent struct {
	TaskID                string             `json:"task_id" validate:"required"`
	OwnerID               string             `json:"owner_id" validate:"required"`
	DueAt                 *time.Time         `json:"due_at"`
	Completed             bool               `json:"completed"`
	Version               int64              `json:"version" validate:"gte=0"`
	Timezone              string             `json:"timezone"`
	ReminderOffsetSeconds *int64             `json:"reminder_offset_seconds" validate:"omitempty,gte=0"`
	Recurrence            *recurrencePayload `json:"recurrence"`
}

type taskRefEvent struct {
	TaskID string `json:"task_id" validate:"required"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func (e taskEvent) toTask() (domain.Task, error) {
	task := domain.Task{
		ID:        e.TaskID,
		OwnerID:   e.OwnerID,
		DueAt:     e.DueAt,
		Completed: e.Completed,
		Version:   e.Version,
		Timezone:  e.Timezone,
	}
	if e.ReminderOffsetSeconds != nil {
		off := time.Duration(*e.ReminderOffsetSeconds) * time.Second
		task.ReminderOffset = &off
	}
	if e.Recurrence == nil || e.Recurrence.Frequency == string(domain.FreqNone) {
		return task, nil
	}

	p := e.Recurrence
	end := domain.EndCondition{EndDate: p.EndDate, MaxOccurrences: p.MaxOccurrences}
	var (
		rule domain.RecurrenceRule
		err  error
	)
	switch domain.Frequency(p.Frequency) {
	case domain.FreqDaily:
		rule, err = domain.NewDailyRule(p.Interval, end)
	case domain.FreqWeekly:
		weekdays := make([]time.Weekday, 0, len(p.ByWeekday))
		for _, name := range p.ByWeekday {
			weekdays = append(weekdays, weekdayNames[name])
		}
		rule, err = domain.NewWeeklyRule(p.Interval, weekdays, end)
	case domain.FreqMonthly:
		rule, err = domain.NewMonthlyRule(p.Interval, end)
	case domain.FreqInterval:
		rule, err = domain.NewIntervalRule(time.Duration(p.EverySeconds)*time.Second, end)
	case domain.FreqCron:
		rule, err = domain.NewCronRule(p.Expr, end)
	}
	if err != nil {
		return domain.Task{}, err
	}
	task.Recurrence = &rule
	return task, nil
}

func (s *Server) decodeTaskEvent(w http.ResponseWriter, r *http.Request) (domain.Task, bool) {
	var ev taskEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), 400)
		return domain.Task{}, false
	}
	if err := s.validate.Struct(ev); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return domain.Task{}, false
	}
	task, err := ev.toTask()
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return domain.Task{}, false
	}
	if task.Timezone == "" {
		task.Timezone = s.defaultTZ
	}
	if _, err := time.LoadLocation(task.Timezone); err != nil {
		http.Error(w, "unknown timezone: "+task.Timezone, http.StatusUnprocessableEntity)
		return domain.Task{}, false
	}
	return task, true
}

func (s *Server) taskCreated(w http.ResponseWriter, r *http.Request) {
	task, ok := s.decodeTaskEvent(w, r)
	if !ok {
		return
	}
	s.registry.Put(task)
	if err := s.bridge.OnCreated(r.Context(), task); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) taskUpdated(w http.ResponseWriter, r *http.Request) {
	task, ok := s.decodeTaskEvent(w, r)
	if !ok {
		return
	}
	s.registry.Put(task)
	if err := s.bridge.OnUpdated(r.Context(), task); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) taskCompleted(w http.ResponseWriter, r *http.Request) {
	var ev taskRefEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.validate.Struct(ev); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.registry.Complete(ev.TaskID)
	if err := s.bridge.OnCompleted(r.Context(), ev.TaskID); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) taskDeleted(w http.ResponseWriter, r *http.Request) {
	var ev taskRefEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.validate.Struct(ev); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.registry.Delete(ev.TaskID)
	if err := s.bridge.OnDeleted(r.Context(), ev.TaskID); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
