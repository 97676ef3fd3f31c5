package download

import (
	"sync"

	"github.com/google/uuid"
)

// Event is an outbound notification of a running batch. The concrete types
// are TaskEvent, Progress and BatchDone.
type Event interface {
	isEvent()
}

// TaskEvent reports a task status change.
type TaskEvent struct {
	TaskID  uuid.UUID
	Dataset string
	Label   string
	Status  Status
	Message string
}

// Progress is sent after each task reaches a terminal state.
type Progress struct {
	Completed int
	Total     int
	Label     string
}

// BatchDone is sent once, after the last task of a batch completes.
type BatchDone struct {
	Total     int
	Done      int
	Failed    int
	Cancelled int
}

func (TaskEvent) isEvent() {}
func (Progress) isEvent()  {}
func (BatchDone) isEvent() {}

// emitter serializes event delivery so Completed is monotonic on the
// channel. A nil channel discards events.
type emitter struct {
	mu        sync.Mutex
	ch        chan<- Event
	total     int
	completed int
	done      BatchDone
}

func newEmitter(ch chan<- Event, total int) *emitter {
	return &emitter{ch: ch, total: total, done: BatchDone{Total: total}}
}

func (e *emitter) update(t *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.send(taskEvent(t))
}

func (e *emitter) finish(t *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.completed++
	switch t.Status {
	case StatusDone:
		e.done.Done++
	case StatusFailed:
		e.done.Failed++
	case StatusCancelled:
		e.done.Cancelled++
	}
	e.send(taskEvent(t))
	e.send(Progress{Completed: e.completed, Total: e.total, Label: t.Label})
	if e.completed == e.total {
		e.send(e.done)
	}
}

// empty reports completion of a batch without tasks.
func (e *emitter) empty() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.send(e.done)
}

func (e *emitter) send(ev Event) {
	if e.ch != nil {
		e.ch <- ev
	}
}

func taskEvent(t *Task) TaskEvent {
	return TaskEvent{TaskID: t.ID, Dataset: t.Dataset, Label: t.Label, Status: t.Status, Message: t.Message}
}
