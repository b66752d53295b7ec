// Package coordinator implements the central-coordinator topology
// (spec.md §4.9): a singleton service that accepts worker-initiated
// connections, groups workers by task kind, and drives task assignment
// by calling ping/add_task/remove_task/tasks over pkg/workerrpc rather
// than relying on gossip-driven self-reconciliation.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/taskmesh/pkg/security"
	"github.com/cuemby/taskmesh/pkg/taskstore"
	"github.com/cuemby/taskmesh/pkg/workerrpc"
)

// Coordinator owns one WorkerGroup per task kind and the inbound listener
// worker processes dial into.
type Coordinator struct {
	certs        *security.CertStore
	log          zerolog.Logger
	pingInterval time.Duration

	mu     sync.Mutex
	groups map[string]*WorkerGroup
}

// New returns a Coordinator. pingInterval is the watchdog cadence
// (spec.md §4.9 default: 10s).
func New(certs *security.CertStore, log zerolog.Logger, pingInterval time.Duration) *Coordinator {
	return &Coordinator{
		certs:        certs,
		log:          log,
		pingInterval: pingInterval,
		groups:       make(map[string]*WorkerGroup),
	}
}

func (c *Coordinator) groupFor(kind string) *WorkerGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[kind]
	if !ok {
		g = newWorkerGroup(kind, c.log)
		c.groups[kind] = g
	}
	return g
}

// Run binds addr, accepts worker connections, and drives every group's
// balance loop and ping watchdog until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context, addr string) error {
	ln, err := workerrpc.Listen(addr, c.certs)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
		ln.Close()
	}()

	for {
		hello, client, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				c.log.Error().Err(err).Msg("coordinator: accept failed")
				continue
			}
		}
		c.admit(stop, hello, client)
	}
}

// admit registers a newly connected worker with its group, starts a
// balance loop for the group when the group had no workers before this
// one, and starts this worker's ping watchdog.
func (c *Coordinator) admit(stop <-chan struct{}, hello workerrpc.Hello, client *workerrpc.Client) {
	g := c.groupFor(hello.Kind)

	first := !g.hasWorkers()
	g.addWorker(hello.WorkerID, client)
	if first {
		go g.runBalanceLoop(stop)
	}

	c.log.Info().Str("worker_id", hello.WorkerID.String()).Str("kind", hello.Kind).
		Msg("worker admitted to group")

	go c.watchdog(stop, g, hello.WorkerID, client)
}

// watchdog pings a worker every pingInterval; the first failed ping
// evicts it (spec.md §4.9).
func (c *Coordinator) watchdog(stop <-chan struct{}, g *WorkerGroup, id uuid.UUID, client *workerrpc.Client) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				c.log.Warn().Str("worker_id", id.String()).Err(err).Msg("ping failed, evicting worker")
				g.evictWorker(id)
				client.Close()
				return
			}
		}
	}
}

// HandleTaskChange routes a task-store change into the WorkerGroup
// matching the task's kind (spec.md §4.9: "Task ingestion is driven by
// the same task-change source as §4.6").
func (c *Coordinator) HandleTaskChange(ch taskstore.Change) {
	switch ch.Kind {
	case taskstore.ChangeInsert, taskstore.ChangeUpdate, taskstore.ChangeReplace:
		c.groupFor(ch.Task.Kind).addTask(ch.Task)
	case taskstore.ChangeDelete:
		c.removeTaskByID(ch.TaskID)
	}
}

// removeTaskByID drops a deleted task from whichever group currently
// tracks it, since a delete event carries only the task id.
func (c *Coordinator) removeTaskByID(taskID string) {
	id, err := uuid.Parse(taskID)
	if err != nil {
		c.log.Warn().Str("task_id", taskID).Err(err).Msg("coordinator: malformed task id on delete")
		return
	}
	c.mu.Lock()
	groups := make([]*WorkerGroup, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	for _, g := range groups {
		g.removeTask(id)
	}
}
