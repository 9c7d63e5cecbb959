package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrFinished is returned when updating a completed or failed task.
	ErrFinished = errors.New("task already finished")
	ErrExists   = errors.New("task already exists")
)

type entry struct {
	mu   sync.Mutex
	task Task
}

// Registry holds every task created during the process lifetime. Each task has
// its own lock, so updates to different tasks never contend.
type Registry struct {
	entries sync.Map // More scalable than a mutex-protected map
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Create registers a pending task. fill, when not nil, sets the descriptive fields.
func (r *Registry) Create(id string, fill func(*Task)) (Task, error) {
	t := Task{ID: id, Status: StatusPending, CreatedAt: r.now()}
	if fill != nil {
		fill(&t)
		t.ID, t.Status, t.Progress = id, StatusPending, 0
		t.ResultPath, t.Error = "", ""
	}

	e := &entry{task: t}
	if _, loaded := r.entries.LoadOrStore(id, e); loaded {
		return Task{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	return t, nil
}

// Update applies fn to a copy of the task and stores the result. Progress is
// clamped to 0..100 and never decreases while processing; terminal states are final.
func (r *Registry) Update(id string, fn func(*Task)) (Task, error) {
	v, ok := r.entries.Load(id)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.task
	if old.Status.Terminal() {
		return old, fmt.Errorf("%w: %s is %s", ErrFinished, id, old.Status)
	}

	t := old
	fn(&t)
	t.ID, t.CreatedAt = old.ID, old.CreatedAt

	if t.Status.rank() < old.Status.rank() {
		return old, fmt.Errorf("invalid transition for task %s: %s -> %s", id, old.Status, t.Status)
	}

	t.Progress = min(max(t.Progress, 0), 100)
	now := r.now()
	switch t.Status {
	case StatusPending:
		t.Progress = 0
	case StatusProcessing:
		if old.Status == StatusProcessing && t.Progress < old.Progress {
			t.Progress = old.Progress
		}
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusCompleted:
		t.Progress = 100
		t.CompletedAt = &now
	case StatusFailed:
		t.CompletedAt = &now
	}
	if t.Status != StatusCompleted {
		t.ResultPath = ""
	}
	if t.Status != StatusFailed {
		t.Error = ""
	}

	e.task = t
	return t, nil
}

// Get returns a point-in-time copy of the task.
func (r *Registry) Get(id string) (Task, error) {
	v, ok := r.entries.Load(id)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, nil
}

// List returns copies of all tasks, oldest first.
func (r *Registry) List() []Task {
	var tasks []Task
	r.entries.Range(func(_, value interface{}) bool {
		e := value.(*entry)
		e.mu.Lock()
		tasks = append(tasks, e.task)
		e.mu.Unlock()
		return true
	})
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}
