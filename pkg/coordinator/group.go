package coordinator

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/taskmesh/pkg/metrics"
	"github.com/cuemby/taskmesh/pkg/ring"
	"github.com/cuemby/taskmesh/pkg/types"
	"github.com/cuemby/taskmesh/pkg/workerrpc"
)

// workerHandle is one live worker connection known to a WorkerGroup.
type workerHandle struct {
	id     uuid.UUID
	client *workerrpc.Client
}

// WorkerGroup owns every worker of one task kind, the task bindings for
// that kind, and the ring used to decide which worker should hold each
// task (spec.md §4.9). All group state is mutated under mu; the balance
// loop is the only goroutine that runs the algorithm below, one cycle at
// a time.
type WorkerGroup struct {
	kind string
	log  zerolog.Logger

	mu      sync.Mutex
	workers map[uuid.UUID]*workerHandle
	tasks   map[uuid.UUID]*types.TaskBinding
	ring    *ring.Ring

	balanceWanted chan struct{}
}

func newWorkerGroup(kind string, log zerolog.Logger) *WorkerGroup {
	return &WorkerGroup{
		kind:          kind,
		log:           log.With().Str("kind", kind).Logger(),
		workers:       make(map[uuid.UUID]*workerHandle),
		tasks:         make(map[uuid.UUID]*types.TaskBinding),
		ring:          ring.New(),
		balanceWanted: make(chan struct{}, 1),
	}
}

// requestBalance coalesces repeated triggers into a single pending
// wake-up, the "notify once" shape spec.md §4.9 calls for.
func (g *WorkerGroup) requestBalance() {
	select {
	case g.balanceWanted <- struct{}{}:
	default:
	}
}

func (g *WorkerGroup) addWorker(id uuid.UUID, client *workerrpc.Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers[id] = &workerHandle{id: id, client: client}
	g.ring.InsertNode(id.String())
	metrics.CoordinatorWorkersTotal.WithLabelValues(g.kind).Set(float64(len(g.workers)))
	g.requestBalance()
}

// evictLocked drops a worker and clears its task bindings so the next
// balance cycle reassigns them. Callers must already hold g.mu.
func (g *WorkerGroup) evictLocked(id uuid.UUID) {
	if _, ok := g.workers[id]; !ok {
		return
	}
	delete(g.workers, id)
	g.ring.RemoveNode(id.String())
	for _, binding := range g.tasks {
		if binding.Worker != nil && *binding.Worker == id {
			binding.Worker = nil
		}
	}
	metrics.CoordinatorWorkersTotal.WithLabelValues(g.kind).Set(float64(len(g.workers)))
	metrics.CoordinatorEvictionsTotal.Inc()
	g.log.Warn().Str("worker_id", id.String()).Msg("worker evicted from group")
}

func (g *WorkerGroup) evictWorker(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked(id)
	g.requestBalance()
}

func (g *WorkerGroup) addTask(task types.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks[task.ID] = &types.TaskBinding{Task: task}
	g.requestBalance()
}

func (g *WorkerGroup) removeTask(taskID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	binding, ok := g.tasks[taskID]
	if !ok {
		return
	}
	if binding.Worker != nil {
		if wh, ok := g.workers[*binding.Worker]; ok {
			if err := wh.client.RemoveTask(binding.Task.Key()); err != nil {
				g.evictLocked(*binding.Worker)
			}
		}
	}
	delete(g.tasks, taskID)
	g.requestBalance()
}

// hasWorkers reports whether the group currently has at least one live
// worker, used to skip the balance loop entirely when nothing can own a
// task yet.
func (g *WorkerGroup) hasWorkers() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.workers) > 0
}
