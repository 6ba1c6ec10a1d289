package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hydrangea-dev/grok-gateway/internal/logger"
)

const (
	// defaultRetention keeps finished tasks queryable for late joiners.
	defaultRetention = 5 * time.Minute

	cleanupInterval = time.Minute
)

// Registry owns all live batch tasks.
//
// Finished tasks stay resident for a retention window so clients that
// reconnect after completion still get the final event, then a background
// sweep removes them. Running tasks are never evicted.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	retention    time.Duration
	log          *logger.Logger
	terminalHook func(kind string, ev Event)

	shutdown  chan struct{}
	cleanupWg sync.WaitGroup
}

// NewRegistry creates a registry and starts its cleanup goroutine. A
// non-positive retention selects the default. Call Shutdown when done.
func NewRegistry(retention time.Duration, log *logger.Logger) *Registry {
	if retention <= 0 {
		retention = defaultRetention
	}
	r := &Registry{
		tasks:     make(map[string]*Task),
		retention: retention,
		log:       log.WithComponent("batch_registry"),
		shutdown:  make(chan struct{}),
	}
	r.cleanupWg.Add(1)
	go r.cleanupLoop()
	return r
}

// SetTerminalHook installs an observer for every task's final event, for
// metrics and cross-instance fan-out. Call before the first Create.
func (r *Registry) SetTerminalHook(hook func(kind string, ev Event)) {
	r.terminalHook = hook
}

// Create registers a new running task for the given operation kind.
func (r *Registry) Create(parent context.Context, kind string, total int) *Task {
	t := newTask(parent, kind, total)
	t.onTerminal = r.terminalHook

	r.mu.Lock()
	r.tasks[t.id] = t
	r.mu.Unlock()

	r.log.Info("batch task created",
		slog.String("task_id", t.id),
		slog.String("kind", kind),
		slog.Int("total", total))
	return t
}

// Get looks up a task by id.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Cancel cancels the task if it exists locally. The bool reports whether the
// task was found on this instance.
func (r *Registry) Cancel(id string) bool {
	t, ok := r.Get(id)
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

func (r *Registry) cleanupLoop() {
	defer r.cleanupWg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.shutdown:
			return
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tasks {
		if t.finishedBefore(cutoff) {
			delete(r.tasks, id)
			r.log.Debug("expired batch task removed", slog.String("task_id", id))
		}
	}
}

// Shutdown stops the cleanup goroutine and cancels all running tasks.
func (r *Registry) Shutdown() {
	close(r.shutdown)
	r.cleanupWg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		t.Cancel()
	}
}
