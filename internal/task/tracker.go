// Package task keeps track of transfers in flight and their outcome.
package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// State is the lifecycle state of a task.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Task is a snapshot of one tracked transfer.
type Task struct {
	ID         int64
	Kind       string // "upload", "download", ...
	Path       string
	State      State
	Sent       int64
	Total      int64
	Err        string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Percent returns the completed share of the transfer, 0 to 100.
func (t Task) Percent() int {
	if t.Total <= 0 {
		if t.State == StateDone {
			return 100
		}
		return 0
	}
	return int(t.Sent * 100 / t.Total)
}

// String renders the task for a terminal.
func (t Task) String() string {
	s := fmt.Sprintf("#%d %s %s %s/%s (%d%%) %s",
		t.ID, t.Kind, t.Path,
		humanize.IBytes(uint64(max(t.Sent, 0))), humanize.IBytes(uint64(max(t.Total, 0))),
		t.Percent(), t.State)
	if t.Err != "" {
		s += ": " + t.Err
	}
	return s
}

// Tracker records tasks. It is passive: transfers report into it and
// nothing waits on it. Safe for concurrent use.
type Tracker struct {
	now func() time.Time

	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*Task
}

// NewTracker creates an empty tracker. A nil now uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, tasks: make(map[int64]*Task)}
}

// Begin registers a running task and returns its id.
func (tr *Tracker) Begin(kind, path string, total int64) int64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.nextID++
	tr.tasks[tr.nextID] = &Task{
		ID:        tr.nextID,
		Kind:      kind,
		Path:      path,
		State:     StateRunning,
		Total:     total,
		StartedAt: tr.now(),
	}
	return tr.nextID
}

// Progress records the bytes transferred so far. Its signature matches the
// transfer progress callback once bound to an id with Reporter.
func (tr *Tracker) Progress(id, sent, total int64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if t, ok := tr.tasks[id]; ok && t.State == StateRunning {
		t.Sent = sent
		t.Total = total
	}
}

// Reporter returns a progress callback bound to task id.
func (tr *Tracker) Reporter(id int64) func(sent, total int64) {
	return func(sent, total int64) { tr.Progress(id, sent, total) }
}

// Complete marks the task done.
func (tr *Tracker) Complete(id int64) {
	tr.finish(id, StateDone, nil)
}

// Fail marks the task failed with err.
func (tr *Tracker) Fail(id int64, err error) {
	tr.finish(id, StateFailed, err)
}

func (tr *Tracker) finish(id int64, state State, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	t, ok := tr.tasks[id]
	if !ok || t.State != StateRunning {
		return
	}
	t.State = state
	t.FinishedAt = tr.now()
	if err != nil {
		t.Err = err.Error()
	}
	if state == StateDone {
		t.Sent = t.Total
	}
}

// Get returns a snapshot of task id.
func (tr *Tracker) Get(id int64) (Task, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns snapshots of every task ordered by id.
func (tr *Tracker) List() []Task {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	out := make([]Task, 0, len(tr.tasks))
	for _, t := range tr.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary counts tasks by state and totals the bytes of finished ones.
func (tr *Tracker) Summary() string {
	var done, failed, running int
	var bytes int64
	for _, t := range tr.List() {
		switch t.State {
		case StateDone:
			done++
			bytes += t.Total
		case StateFailed:
			failed++
		default:
			running++
		}
	}
	s := fmt.Sprintf("%d done (%s), %d failed", done, humanize.IBytes(uint64(bytes)), failed)
	if running > 0 {
		s += fmt.Sprintf(", %d running", running)
	}
	return s
}
