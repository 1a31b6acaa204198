package engine

import (
	"sync"
	"time"

	"github.com/seantiz/txexec/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types published by the broker.
const (
	EventSubmitted = "submitted"
	EventRunning   = "running"
	EventProgress  = "progress"
	EventFinished  = "finished"
)

// Event is one lifecycle change of a task.
type Event struct {
	TaskID   string           `json:"task_id"`
	Type     string           `json:"type"`
	Status   model.WorkStatus `json:"status"`
	Progress any              `json:"progress,omitempty"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

// EventBroker fans task events out to subscribers. It is safe for
// concurrent use and is registered with the runner as an Observer.
//
// Finished tasks keep a closed marker so that late subscribers receive a
// closed channel instead of blocking forever. Markers are dropped by
// PruneClosed.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs     map[int]chan Event
	nextID   int
	closed   bool
	closedAt time.Time
}

var _ Observer = (*EventBroker)(nil)

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel receiving events of the given task and an
// unsubscribe function. If the task already finished the returned channel
// is closed.
func (b *EventBroker) Subscribe(taskID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan Event)}
		b.topics[taskID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends ev to all subscribers of its task. Events are dropped for
// subscribers whose buffers are full.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.TaskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that no more events will be published for the task.
func (b *EventBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &eventTopic{subs: make(map[int]chan Event), closed: true, closedAt: now}
		return
	}

	t.closed = true
	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// PruneClosed drops closed markers older than before and returns how many
// were dropped.
func (b *EventBroker) PruneClosed(before time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, t := range b.topics {
		if t.closed && t.closedAt.Before(before) {
			delete(b.topics, id)
			n++
		}
	}
	return n
}

// TaskSubmitted publishes a submitted event.
func (b *EventBroker) TaskSubmitted(t *Task) {
	b.Publish(Event{TaskID: t.id, Type: EventSubmitted, Status: model.StatusPending, At: t.createdAt})
}

// TaskRunning publishes a running event.
func (b *EventBroker) TaskRunning(t *Task, at time.Time) {
	b.Publish(Event{TaskID: t.id, Type: EventRunning, Status: model.StatusRunning, At: at})
}

// TaskProgress publishes a progress event.
func (b *EventBroker) TaskProgress(t *Task, v any) {
	b.Publish(Event{TaskID: t.id, Type: EventProgress, Status: model.StatusRunning, Progress: v, At: time.Now().UTC()})
}

// TaskFinished publishes the final event and closes the task's topic.
func (b *EventBroker) TaskFinished(t *Task, status model.WorkStatus, err error, at time.Time) {
	ev := Event{TaskID: t.id, Type: EventFinished, Status: status, At: at}
	if err != nil {
		ev.Error = err.Error()
	}
	b.Publish(ev)
	b.Close(t.id)
}
