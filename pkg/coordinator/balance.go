package coordinator

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/taskmesh/pkg/metrics"
)

// runBalanceLoop drains balanceWanted until stop is closed, running one
// serialized balance cycle per wake-up. A cycle that reports it still
// needs rebalancing (an eviction happened mid-cycle) re-arms the flag
// itself, so the loop converges without the caller tracking retries.
func (g *WorkerGroup) runBalanceLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-g.balanceWanted:
			timer := metrics.NewTimer()
			needsMore := g.balanceOnce()
			timer.ObserveDuration(metrics.CoordinatorBalanceDuration)
			if needsMore {
				g.requestBalance()
			}
		}
	}
}

// balanceOnce runs one pass of the balance algorithm (spec.md §4.9) and
// reports whether a worker was evicted mid-cycle, meaning the caller
// should immediately run another pass once it re-arms.
func (g *WorkerGroup) balanceOnce() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.workers) == 0 {
		return false
	}

	needsRebalance := false

	// Phase 1: reap vanished tasks. A worker may report holding a task
	// the group no longer tracks (it was removed, or never existed on
	// this coordinator's view); tell the worker to drop it.
	for id, wh := range g.workers {
		owned, err := wh.client.Tasks()
		if err != nil {
			g.evictLocked(id)
			needsRebalance = true
			continue
		}
		for _, t := range owned {
			if _, tracked := g.tasks[t.ID]; tracked {
				continue
			}
			if err := wh.client.RemoveTask(t.Key()); err != nil {
				g.evictLocked(id)
				needsRebalance = true
				break
			}
		}
	}

	// Phase 2: migrate bindings to the ring's current owner.
	for _, binding := range g.tasks {
		expected, ok := g.ring.Lookup(binding.Task.Key())
		if !ok {
			continue
		}
		if binding.Worker != nil && binding.Worker.String() == expected {
			continue
		}

		if binding.Worker != nil {
			if wh, ok := g.workers[*binding.Worker]; ok {
				if err := wh.client.RemoveTask(binding.Task.Key()); err != nil {
					g.evictLocked(*binding.Worker)
					needsRebalance = true
					continue
				}
			}
			binding.Worker = nil
		}

		newWorkerID, found := g.workerByNodeKey(expected)
		if !found {
			continue
		}
		if err := g.workers[newWorkerID].client.AddTask(binding.Task); err != nil {
			g.evictLocked(newWorkerID)
			needsRebalance = true
			continue
		}
		id := newWorkerID
		binding.Worker = &id
	}

	g.updateTaskMetricsLocked()
	if g.log.GetLevel() <= zerolog.DebugLevel {
		g.validateLocked()
	}

	return needsRebalance
}

func (g *WorkerGroup) workerByNodeKey(key string) (uuid.UUID, bool) {
	for id := range g.workers {
		if id.String() == key {
			return id, true
		}
	}
	return uuid.UUID{}, false
}

func (g *WorkerGroup) updateTaskMetricsLocked() {
	assigned, unassigned := 0, 0
	for _, b := range g.tasks {
		if b.Worker != nil {
			assigned++
		} else {
			unassigned++
		}
	}
	metrics.CoordinatorTasksTotal.WithLabelValues(g.kind, "assigned").Set(float64(assigned))
	metrics.CoordinatorTasksTotal.WithLabelValues(g.kind, "unassigned").Set(float64(unassigned))
}

// validateLocked runs read-only consistency assertions in debug builds,
// following the teacher's metrics_collector.go style: log, never panic.
func (g *WorkerGroup) validateLocked() {
	seen := make(map[string]uuid.UUID)
	for taskID, binding := range g.tasks {
		if binding.Worker == nil {
			continue
		}
		if _, ok := g.workers[*binding.Worker]; !ok {
			g.log.Warn().Str("task_id", taskID.String()).Str("worker_id", binding.Worker.String()).
				Msg("validate: binding cites unknown worker")
			continue
		}
		key := binding.Task.Key()
		if prior, dup := seen[key]; dup {
			g.log.Warn().Str("task_id", taskID.String()).Str("worker_id", prior.String()).
				Msg("validate: task held by more than one worker")
		}
		seen[key] = *binding.Worker
	}

	ringNodes := make(map[string]bool)
	for _, n := range g.ring.Nodes() {
		ringNodes[n] = true
	}
	for id := range g.workers {
		if !ringNodes[id.String()] {
			g.log.Warn().Str("worker_id", id.String()).Msg("validate: worker missing from ring")
		}
	}
	if len(ringNodes) != len(g.workers) {
		g.log.Warn().Int("ring_nodes", len(ringNodes)).Int("workers", len(g.workers)).
			Msg("validate: ring node count diverges from worker count")
	}
}
