// Package reconciler converges a worker's local task ownership to the
// consistent-hash ring as membership and task-change events arrive
// (spec.md §4.7). It replaces the teacher's ticker-driven poll loop with
// an event-driven merge: every gossip membership transition and every
// task-store change is applied to the ring the moment it arrives, and any
// key whose owner flips to or away from this node is immediately handed
// to the local worker.
package reconciler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskmesh/pkg/gossip"
	"github.com/cuemby/taskmesh/pkg/metrics"
	"github.com/cuemby/taskmesh/pkg/ring"
	"github.com/cuemby/taskmesh/pkg/taskstore"
	"github.com/cuemby/taskmesh/pkg/types"
)

// Worker is the local task-ownership surface the reconciler drives.
// workerrpc.Server's Handler satisfies this interface directly, so a
// worker process can wire its own RPC handler straight into the
// reconciler without an adapter.
type Worker interface {
	AddTask(task types.Task) error
	RemoveTask(taskID string) error
}

// Reconciler owns one worker's view of the ring and keeps it converged.
// It is not safe for concurrent use from outside its own Run loop — all
// mutation happens on the single goroutine Run occupies, which is what
// lets the ring stay a plain, lock-free data structure.
type Reconciler struct {
	self   types.NodeID
	ring   *ring.Ring
	worker Worker
	log    zerolog.Logger

	tasks map[string]types.Task // tracked tasks by key, for AddTask payloads
}

// New returns a Reconciler for the given local node identity, which must
// match the string the gossip runtime advertises as this node's NodeID.
func New(self types.NodeID, worker Worker, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		self:   self,
		ring:   ring.New(),
		worker: worker,
		log:    log,
		tasks:  make(map[string]types.Task),
	}
}

// Run processes membership and task-change events until ctx is canceled
// or both channels have closed. This loop runs forever by design (spec.md's
// Open Question on reconciler lifetime is resolved in favor of an
// infinite select over both channels, rather than returning after either
// closes): a worker that stops reconciling while the process is still
// alive would silently freeze its task ownership.
func (r *Reconciler) Run(ctx context.Context, members <-chan gossip.Event, changes <-chan taskstore.Change) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-members:
			if !ok {
				members = nil
				continue
			}
			r.handleMembership(ev)

		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			r.handleTaskChange(ch)
		}

		if members == nil && changes == nil {
			return
		}
	}
}

func (r *Reconciler) handleMembership(ev gossip.Event) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.WithLabelValues("membership").Inc()
	}()

	node := ev.Member.Node.String()
	switch ev.Kind {
	case gossip.MemberUp, gossip.MemberUpdate:
		wasEmpty := len(r.ring.Nodes()) == 0
		migrations := r.ring.InsertNode(node)
		if wasEmpty && node == r.self.String() {
			// The first node on an empty ring yields no migrations, so
			// every tracked key is newly owned by it.
			for _, key := range r.ring.Keys() {
				if task, known := r.tasks[key]; known {
					r.ensureOwned(task)
				}
			}
		}
		r.applyMigrations(migrations)
	case gossip.MemberDown:
		migrations := r.ring.RemoveNode(node)
		r.applyMigrations(migrations)
	}

	metrics.RingNodesTotal.Set(float64(len(r.ring.Nodes())))
}

func (r *Reconciler) handleTaskChange(ch taskstore.Change) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.WithLabelValues("task_change").Inc()
	}()
	metrics.TaskChangesTotal.WithLabelValues(string(ch.Kind)).Inc()

	switch ch.Kind {
	case taskstore.ChangeInsert, taskstore.ChangeUpdate, taskstore.ChangeReplace:
		r.tasks[ch.Task.Key()] = ch.Task
		owner, ok := r.ring.InsertKey(ch.Task.Key())
		if ok && owner == r.self.String() {
			r.ensureOwned(ch.Task)
		}

	case taskstore.ChangeDelete:
		owner, _ := r.ring.RemoveKey(ch.TaskID)
		delete(r.tasks, ch.TaskID)
		if owner == r.self.String() {
			r.releaseTask(ch.TaskID)
		}

	case taskstore.ChangeInvalidate:
		// The change stream was invalidated (e.g. collection dropped).
		// There is nothing this reconciler can safely reconcile without
		// a fresh List() from the caller, so it only logs; the caller
		// is expected to re-seed via taskstore.Source.List and restart
		// the watch.
		r.log.Warn().Msg("task-change stream invalidated, awaiting reseed")
	}
}

// applyMigrations walks every migration produced by a ring mutation and,
// for each tracked key caught in it, hands ownership to or away from the
// local worker.
func (r *Reconciler) applyMigrations(migrations []ring.Migration) {
	if len(migrations) == 0 {
		return
	}
	metrics.RingMigrationsTotal.Add(float64(len(migrations)))

	moved := ring.MigratedKeys(r.ring.Keys(), migrations)
	for key, m := range moved {
		task, known := r.tasks[key]
		if !known {
			continue
		}
		switch r.self.String() {
		case m.Dst:
			r.ensureOwned(task)
		case m.Src:
			r.releaseTask(key)
		}
	}
}

func (r *Reconciler) ensureOwned(task types.Task) {
	if err := r.worker.AddTask(task); err != nil {
		r.log.Error().Err(err).Str("task_id", task.Key()).Msg("failed to add task to local worker")
		return
	}
	r.log.Debug().Str("task_id", task.Key()).Str("kind", task.Kind).Msg("task assigned to this node")
}

func (r *Reconciler) releaseTask(taskID string) {
	if err := r.worker.RemoveTask(taskID); err != nil {
		r.log.Error().Err(err).Str("task_id", taskID).Msg("failed to remove task from local worker")
		return
	}
	r.log.Debug().Str("task_id", taskID).Msg("task released from this node")
}
