/*
Package events provides an in-memory event broker for taskmesh's pub/sub
messaging.

The events package implements a lightweight event bus for broadcasting
membership and task-assignment events to interested subscribers. It
supports broadcast-to-all-subscribers delivery over buffered channels.
In this repository pkg/worker publishes task bind/unbind notices to it.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:    events.EventMemberDown,
		Message: "worker-7 suspected dead",
	})

	for ev := range sub {
		// handle ev
	}

# Delivery guarantees

Publish never blocks the publisher beyond the broker's own internal
queue. Each subscriber has its own bounded buffer; a slow subscriber that
falls behind drops events rather than stalling the broker or other
subscribers. Consumers needing lossless delivery should track sequence
numbers out of band (the reconciler and coordinator read the gossip and
task-change sources directly and do not subscribe to the broker).
*/
package events
