package engine

import (
	"fmt"

	"github.com/seantiz/taskgrid/internal/model"
)

// Recount tallies the managed tasks from scratch, from their current state.
func Recount(e *Engine, kinds ...model.Kind) Counts {
	want := make(map[model.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var c Counts
	for _, en := range e.index {
		if len(kinds) > 0 && !want[en.task.Kind()] {
			continue
		}
		exec := en.task.Execution()
		c.add(exec.State, exec.Succeeded(), 1)
	}
	return c
}

// QueueOf returns the name of the queue holding task, or "" when the task
// is not managed.
func QueueOf(e *Engine, task model.Task) string {
	en, ok := e.index[task.ID()]
	if !ok {
		return ""
	}
	return en.queue.String()
}

// CheckQueues verifies that every managed task sits in exactly one queue and
// that the queue matches its state, tasks waiting to be killed aside.
func CheckQueues(e *Engine) error {
	seen := make(map[string]queueID, len(e.index))
	for q, l := range e.queues {
		for el := l.Front(); el != nil; el = el.Next() {
			en := el.Value.(*entry)
			id := en.task.ID()
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("task %s in queues %s and %s", id, prev, queueID(q))
			}
			seen[id] = queueID(q)
			if _, ok := e.index[id]; !ok {
				return fmt.Errorf("task %s queued but not indexed", id)
			}
			if queueID(q) == queueToKill {
				continue
			}
			if want := queueFor(en.task.Execution().State); want != queueID(q) {
				return fmt.Errorf("task %s in state %s sits in queue %s, want %s",
					id, en.task.Execution().State, queueID(q), want)
			}
		}
	}
	if len(seen) != len(e.index) {
		return fmt.Errorf("%d tasks queued, %d indexed", len(seen), len(e.index))
	}
	return nil
}

// TopicCount returns the number of topics the broker holds, closed markers
// included.
func TopicCount(b *EventBroker) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// SetBeforeQueue installs a function run just before a command is queued
// for the running loop.
func SetBeforeQueue(b *BgEngine, f func()) { b.beforeQueue = f }
