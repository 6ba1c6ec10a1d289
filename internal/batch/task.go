package batch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a batch task.
//
// Transitions are one-way: running is the only initial state and done,
// error and cancelled are terminal. A terminal task never changes again.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Event is one SSE payload describing task progress.
//
// Subscribers always receive an "init" snapshot first, then zero or more
// "progress" events, then exactly one terminal event ("done", "error" or
// "cancelled").
type Event struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	Status    Status `json:"status"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	OK        int    `json:"ok"`
	Fail      int    `json:"fail"`

	// Per-item payload on progress events.
	Item   string `json:"item,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`

	// Terminal payload.
	Result  interface{} `json:"result,omitempty"`
	Warning string      `json:"warning,omitempty"`
}

// ItemResult is the outcome of processing one batch item.
type ItemResult struct {
	OK     bool
	Item   string
	Detail string
	Error  string
}

// Task tracks one long-running batch operation and fans its progress out to
// any number of SSE subscribers.
//
// Thread-safety: all methods are safe for concurrent use. Counters are
// mutated only through Record and the terminal methods, which serialize on
// one mutex together with subscriber management, so every published event
// observes a consistent snapshot.
//
// Invariant: Processed == OK + Fail at every observable point.
type Task struct {
	id        string
	kind      string
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// onTerminal, when set, observes the frozen final event exactly once.
	// Invoked asynchronously so it may not re-enter the task.
	onTerminal func(kind string, ev Event)

	mu          sync.Mutex
	status      Status
	total       int
	ok          int
	fail        int
	warning     string
	finalEvent  *Event
	finishedAt  time.Time
	subscribers map[*Subscriber]struct{}
}

// NewTaskID returns a fresh 32-character lowercase hex identifier.
func NewTaskID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func newTask(parent context.Context, kind string, total int) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		id:          NewTaskID(),
		kind:        kind,
		createdAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		status:      StatusRunning,
		total:       total,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Kind returns the operation label the task was created with.
func (t *Task) Kind() string { return t.kind }

// Context is cancelled when the task is cancelled. Workers check it between
// items; an in-flight item is never preempted.
func (t *Task) Context() context.Context { return t.ctx }

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Cancel requests cooperative cancellation. The terminal transition to
// StatusCancelled happens only once the worker pool drains and calls
// FinishCancelled. Safe to call at any time, including on terminal tasks.
func (t *Task) Cancel() {
	t.cancel()
}

// Cancelled reports whether cancellation has been requested.
func (t *Task) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Snapshot returns an event of the given type built from current counters.
func (t *Task) Snapshot(eventType string) Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(eventType)
}

func (t *Task) snapshotLocked(eventType string) Event {
	return Event{
		Type:      eventType,
		TaskID:    t.id,
		Status:    t.status,
		Total:     t.total,
		Processed: t.ok + t.fail,
		OK:        t.ok,
		Fail:      t.fail,
		Warning:   t.warning,
	}
}

// Record counts one processed item and publishes a progress event carrying
// the item payload. Records against a terminal task are dropped.
func (t *Task) Record(res ItemResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	if res.OK {
		t.ok++
	} else {
		t.fail++
	}
	ev := t.snapshotLocked("progress")
	ev.Item = res.Item
	ev.Detail = res.Detail
	ev.Error = res.Error
	t.broadcastLocked(ev)
}

// Finish moves the task to done with an optional result payload and warning.
func (t *Task) Finish(result interface{}, warning string) {
	t.terminate(StatusDone, func(ev *Event) {
		ev.Result = result
		ev.Warning = warning
	})
}

// FailTask moves the task to error.
func (t *Task) FailTask(errMsg string) {
	t.terminate(StatusError, func(ev *Event) {
		ev.Error = errMsg
	})
}

// FinishCancelled records the terminal cancelled state. Called by the worker
// pool after draining, never directly by Cancel.
func (t *Task) FinishCancelled() {
	t.terminate(StatusCancelled, nil)
}

// terminate performs the one-way transition, freezes the final event and
// publishes it. The first terminal call wins; later calls are no-ops.
// Subscriber channels are closed after the final event so SSE handlers
// unwind.
func (t *Task) terminate(status Status, decorate func(*Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = status
	t.finishedAt = time.Now()
	if decorate != nil {
		// Warning decorates both the final event and later init snapshots.
		tmp := Event{}
		decorate(&tmp)
		t.warning = tmp.Warning
	}

	ev := t.snapshotLocked(string(status))
	if decorate != nil {
		decorate(&ev)
	}
	t.finalEvent = &ev

	for sub := range t.subscribers {
		sub.sendFinal(ev)
		sub.close()
	}
	t.subscribers = make(map[*Subscriber]struct{})

	if t.onTerminal != nil {
		go t.onTerminal(t.kind, ev)
	}
}

// FinalEvent returns the frozen terminal event, or nil while running.
func (t *Task) FinalEvent() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalEvent == nil {
		return nil
	}
	ev := *t.finalEvent
	return &ev
}

func (t *Task) finishedBefore(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Terminal() && t.finishedAt.Before(cutoff)
}

// Subscribe attaches a new subscriber. It always delivers an init snapshot
// first; a subscriber joining after the task finished additionally receives
// the frozen final event and a closed channel, so late joiners see exactly
// init + final with no intermediate replay.
func (t *Task) Subscribe() *Subscriber {
	sub := newSubscriber()

	t.mu.Lock()
	defer t.mu.Unlock()

	sub.send(t.snapshotLocked("init"))
	if t.finalEvent != nil {
		sub.send(*t.finalEvent)
		sub.close()
		return sub
	}
	t.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a subscriber, typically on client disconnect.
func (t *Task) Unsubscribe(sub *Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[sub]; ok {
		delete(t.subscribers, sub)
		sub.close()
	}
}

func (t *Task) broadcastLocked(ev Event) {
	for sub := range t.subscribers {
		sub.send(ev)
	}
}

const (
	subscriberBuffer      = 64
	subscriberSendTimeout = 100 * time.Millisecond
)

// Subscriber is one SSE client's view of a task.
//
// The channel is buffered and progress sends are bounded by a short timeout,
// so a stalled client drops progress events instead of blocking the task for
// long. The terminal event evicts buffered events when the buffer is full,
// so it is never dropped.
type Subscriber struct {
	Ch chan Event

	closeOnce sync.Once
}

func newSubscriber() *Subscriber {
	return &Subscriber{Ch: make(chan Event, subscriberBuffer)}
}

func (s *Subscriber) send(ev Event) bool {
	select {
	case s.Ch <- ev:
		return true
	case <-time.After(subscriberSendTimeout):
		return false
	}
}

// sendFinal delivers a terminal event even to a saturated subscriber by
// evicting buffered progress events until the send lands. Progress delivery
// is at-least-once; the terminal event is exactly-once per subscription.
func (s *Subscriber) sendFinal(ev Event) {
	for {
		select {
		case s.Ch <- ev:
			return
		default:
		}
		select {
		case <-s.Ch:
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.Ch) })
}
