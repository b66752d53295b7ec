// Package worker is the local add_task/remove_task/tasks surface every
// worker process exposes to the core (spec.md §1's out-of-scope
// collaborator boundary: "Each worker kind exposes only add_task,
// remove_task, and tasks to the core"). Per-kind task execution itself
// (polling a stream, opening a websocket to an upstream platform) is not
// this package's concern; Worker only tracks which tasks this process
// currently owns and notifies pkg/events/pkg/mq when that changes.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskmesh/pkg/events"
	"github.com/cuemby/taskmesh/pkg/mq"
	"github.com/cuemby/taskmesh/pkg/types"
)

// Worker is the in-memory reference implementation of the add_task/
// remove_task/tasks surface, satisfying both pkg/workerrpc.Handler (the
// coordinator topology) and pkg/reconciler.Worker (the gossip topology).
type Worker struct {
	self   string
	log    zerolog.Logger
	broker *events.Broker
	queue  mq.MessageQueue

	mu    sync.RWMutex
	tasks map[string]types.Task
}

// New returns a Worker identifying itself as self (a NodeID string in the
// gossip topology, a worker uuid string in the coordinator topology).
func New(self string, log zerolog.Logger, broker *events.Broker, queue mq.MessageQueue) *Worker {
	return &Worker{
		self:   self,
		log:    log,
		broker: broker,
		queue:  queue,
		tasks:  make(map[string]types.Task),
	}
}

// AddTask assigns task to this worker. Re-assigning a task this worker
// already holds is a no-op success: the wire protocol's "false means
// duplicate" case (spec.md §4.8) is folded into idempotent success here
// rather than treated as a failure, so a redundant add_task from a
// recovering coordinator never causes the worker to look unhealthy.
func (w *Worker) AddTask(task types.Task) error {
	w.mu.Lock()
	_, already := w.tasks[task.Key()]
	w.tasks[task.Key()] = task
	w.mu.Unlock()

	if already {
		return nil
	}

	w.log.Debug().Str("task_id", task.Key()).Str("kind", task.Kind).Msg("task added")
	w.publish(mq.NoticeTaskBound, task)
	w.broker.Publish(&events.Event{
		Type:      events.EventTaskBound,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"task_id": task.Key(), "kind": task.Kind, "worker": w.self},
	})
	return nil
}

// RemoveTask revokes ownership of taskID. Removing a task this worker
// doesn't hold is a no-op success for the same reason AddTask's duplicate
// case is.
func (w *Worker) RemoveTask(taskID string) error {
	w.mu.Lock()
	task, held := w.tasks[taskID]
	delete(w.tasks, taskID)
	w.mu.Unlock()

	if !held {
		return nil
	}

	w.log.Debug().Str("task_id", taskID).Msg("task removed")
	w.publish(mq.NoticeTaskUnbound, task)
	w.broker.Publish(&events.Event{
		Type:      events.EventTaskUnbound,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"task_id": taskID, "worker": w.self},
	})
	return nil
}

// Tasks lists every task this worker currently believes it owns.
func (w *Worker) Tasks() []types.Task {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]types.Task, 0, len(w.tasks))
	for _, t := range w.tasks {
		out = append(out, t)
	}
	return out
}

// Has reports whether taskID is currently owned by this worker, used by
// tests.
func (w *Worker) Has(taskID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.tasks[taskID]
	return ok
}

func (w *Worker) publish(kind mq.NoticeKind, task types.Task) {
	notice := mq.Notice{Kind: kind, Task: task, Worker: w.self}
	if err := w.queue.Publish(context.Background(), notice); err != nil {
		w.log.Warn().Err(err).Str("task_id", task.Key()).Str("notice_kind", string(kind)).Msg("failed to publish task notice")
	}
}
