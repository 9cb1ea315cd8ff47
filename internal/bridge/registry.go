package bridge

import (
	"context"
	"sync"

	"remindd/internal/domain"
)

// TaskRegistry is an in-memory projection of the task documents pushed over
// the ingest API. It serves the scheduler's TaskReader. A real deployment
// would back this with the CRUD layer's task store; keeping the projection
// here lets the engine run standalone.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]domain.Task)}
}

func (r *TaskRegistry) Put(task domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
}

// Complete marks a task completed and bumps its version, mirroring what the
// CRUD layer does before emitting the event. Returns false for unknown tasks.
func (r *TaskRegistry) Complete(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return false
	}
	t.Completed = true
	t.Version++
	r.tasks[taskID] = t
	return true
}

func (r *TaskRegistry) Delete(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, taskID)
}

// Get implements scheduler.TaskReader.
func (r *TaskRegistry) Get(ctx context.Context, taskID string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return t, nil
}
