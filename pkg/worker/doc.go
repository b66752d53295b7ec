/*
Package worker implements the local side of a task-mesh worker: the
in-memory bookkeeping behind the add_task/remove_task/tasks surface that
every worker kind exposes to the core, whichever topology it runs under.

# Two topologies, one surface

In the gossip topology, Worker is handed directly to pkg/reconciler as its
Worker dependency; the reconciler drives AddTask/RemoveTask as ring
ownership shifts. In the legacy central-coordinator topology, Worker is
wrapped behind pkg/workerrpc.Handler instead, and the coordinator drives
the same two methods over the wire. Neither topology's dispatch code
needs to know which one it's talking to.

# What this package does not do

Per-kind task execution — opening a websocket to an upstream platform,
polling a queue, whatever a given kind actually does once it owns a task
— is explicitly out of scope and lives outside this module entirely.
Worker only tracks the set of task IDs currently assigned to this
process and emits a notice each time that set changes, via pkg/events for
in-process observers and pkg/mq for whatever out-of-process sink a
deployment wires up.
*/
package worker
