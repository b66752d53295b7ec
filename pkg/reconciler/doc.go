/*
Package reconciler converges a worker node's local task set to the
consistent-hash ring as cluster membership and task-store changes arrive.

# Event-driven, not polling

Unlike a fixed-interval sweep over the full cluster state, a Reconciler
reacts to two event streams directly:

  - pkg/gossip membership events (a peer joined, updated its metadata, or
    was declared down)
  - pkg/taskstore change-stream events (a task was inserted, updated,
    replaced, or deleted)

Each event is applied to an in-memory pkg/ring.Ring the instant it
arrives, and any task key whose owner flips to or away from this node is
handed to the local pkg/workerrpc handler immediately — there is no
polling interval to tune and no steady-state cost when nothing changes.

# Usage

	rec := reconciler.New(selfNodeID, localWorkerHandler, logger)
	rec.Run(ctx, gossipRuntime.Events(), taskChanges)

Run blocks until ctx is canceled or both event channels are closed; it is
meant to occupy its own goroutine for the lifetime of the worker process.

# Convergence, not truth

The Reconciler never queries cluster state directly. It trusts the event
streams to eventually deliver every transition exactly once, and it
derives ownership purely from the ring's own migration output — so a
worker that was offline during a membership change converges correctly
the moment it reconnects and replays the events it missed, without any
separate reconciliation sweep.
*/
package reconciler
