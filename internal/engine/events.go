package engine

import (
	"sync"
	"time"

	"github.com/seantiz/taskgrid/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event reports a task state change observed by the engine.
type Event struct {
	TaskID   string      `json:"task_id"`
	Kind     model.Kind  `json:"kind"`
	State    model.State `json:"state"`
	Previous model.State `json:"previous,omitempty"`
	Info     string      `json:"info,omitempty"`
	At       time.Time   `json:"at"`
}

// EventBroker fans out per-task state change events to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a task left the engine) receive a closed channel instead
// of blocking forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives events for the given task and an
// unsubscribe function. If the task has already been removed from the
// engine, the returned channel is immediately closed. An open topic is
// discarded once its last subscriber leaves.
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
		if len(t.subs) == 0 && !t.closed && b.topics[taskID] == t {
			delete(b.topics, taskID)
		}
	}
}

// Publish sends an event to all subscribers of its task. Events are dropped
// for subscribers whose buffers are full.
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

// Close signals that no more events will be published for the given task.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel until Reopen is called.
func (b *EventBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &eventTopic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Reopen clears the closed marker of a task that is managed again.
func (b *EventBroker) Reopen(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[taskID]; ok && t.closed {
		delete(b.topics, taskID)
	}
}
