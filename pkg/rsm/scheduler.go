package rsm

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/egorzamaraev/atomix/pkg/rafterrors"
	"github.com/egorzamaraev/atomix/pkg/types"
)

// Task is one scheduled callback. Callbacks are named: the payload is
// re-dispatched to the handler registered under Name, which is what lets the
// scheduler queue survive a snapshot/install round trip.
type Task struct {
	FireAt  types.LogicalTime `json:"fire_at"`
	Seq     uint64            `json:"seq"`
	Name    string            `json:"name"`
	Payload []byte            `json:"payload,omitempty"`
}

// Scheduler fires tasks by logical time. Time only advances when a commit is
// applied; due tasks run before the triggering commit's handler, in
// non-decreasing FireAt order with ties broken by insertion order.
type Scheduler struct {
	entries taskHeap
	seq     uint64
	now     types.LogicalTime

	// commandContext is true while a command handler or a scheduled callback
	// is running. Scheduling outside those contexts is non-deterministic and
	// rejected.
	commandContext bool

	handlers map[string]func(payload []byte)
}

func NewScheduler() *Scheduler {
	return &Scheduler{handlers: make(map[string]func([]byte))}
}

// RegisterTask binds a named task handler. Registration is static: it must
// happen before the first apply so that a restored snapshot can re-bind its
// queued tasks.
func (sc *Scheduler) RegisterTask(name string, fn func(payload []byte)) {
	sc.handlers[name] = fn
}

// Now returns the current logical time.
func (sc *Scheduler) Now() types.LogicalTime {
	return sc.now
}

// ScheduleAt queues the named task to fire once logical time reaches fireAt.
func (sc *Scheduler) ScheduleAt(fireAt types.LogicalTime, name string, payload []byte) error {
	if !sc.commandContext {
		return rafterrors.ErrIllegalSchedule
	}
	if _, ok := sc.handlers[name]; !ok {
		return fmt.Errorf("schedule %q: %w", name, rafterrors.ErrUnknownOperation)
	}

	sc.seq++
	heap.Push(&sc.entries, Task{
		FireAt:  fireAt,
		Seq:     sc.seq,
		Name:    name,
		Payload: payload,
	})
	return nil
}

// ScheduleAfter queues the named task delay milliseconds of logical time from
// now.
func (sc *Scheduler) ScheduleAfter(delay types.LogicalTime, name string, payload []byte) error {
	return sc.ScheduleAt(sc.now+delay, name, payload)
}

func (sc *Scheduler) advance(now types.LogicalTime) {
	if now > sc.now {
		sc.now = now
	}
}

// runDue fires every task with FireAt <= now. Callbacks may schedule further
// tasks; those fire in the same pass when already due.
func (sc *Scheduler) runDue() {
	prev := sc.commandContext
	sc.commandContext = true
	defer func() { sc.commandContext = prev }()

	for sc.entries.Len() > 0 && sc.entries[0].FireAt <= sc.now {
		task := heap.Pop(&sc.entries).(Task)
		if fn, ok := sc.handlers[task.Name]; ok {
			fn(task.Payload)
		}
	}
}

type schedulerSnapshot struct {
	Seq   uint64 `json:"seq"`
	Tasks []Task `json:"tasks,omitempty"`
}

func (sc *Scheduler) snapshot(w io.Writer) error {
	// heap order is not insertion order; emit a sorted copy so the stream is
	// deterministic
	tasks := make([]Task, len(sc.entries))
	copy(tasks, sc.entries)
	sortTasks(tasks)

	data, err := json.Marshal(schedulerSnapshot{Seq: sc.seq, Tasks: tasks})
	if err != nil {
		return fmt.Errorf("marshal scheduler: %w", err)
	}
	return writeFrame(w, data)
}

func (sc *Scheduler) restore(data []byte) error {
	var snap schedulerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal scheduler: %w", err)
	}

	sc.seq = snap.Seq
	sc.entries = sc.entries[:0]
	for _, t := range snap.Tasks {
		sc.entries = append(sc.entries, t)
	}
	heap.Init(&sc.entries)
	return nil
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool { return taskLess(tasks[i], tasks[j]) })
}

func taskLess(a, b Task) bool {
	if a.FireAt != b.FireAt {
		return a.FireAt < b.FireAt
	}
	return a.Seq < b.Seq
}

type taskHeap []Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return taskLess(h[i], h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
