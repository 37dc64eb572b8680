/*
Package events provides an in-memory event broker used to stream relay's
local state changes to in-process observers — chiefly the CLI's status and
report views — without polling the broker on every call.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│  Publisher → Event Channel (buffer: 100)                  │
	│       ↓                                                    │
	│  Broadcast Loop                                            │
	│       ↓                                                    │
	│  Subscriber Channels (buffer: 50 each)                    │
	└────────────────────────────────────────────────────────────┘

Publish is non-blocking: it enqueues onto a single internal channel, and
the broadcast loop fans each event out to every subscriber's own buffered
channel. A full subscriber buffer skips that event rather than blocking
the broadcaster — this is a fire-and-forget notification bus, not a
delivery-guaranteed queue (that guarantee lives in pkg/queue, backed by
the broker).

# Event catalog

Task lifecycle: EventTaskEnqueued, EventTaskLeased, EventTaskCompleted,
EventTaskFailed, EventTaskMigrated, EventTaskDLQed.

Worker lifecycle: EventWorkerRegistered, EventWorkerStatus,
EventWorkerDeregistered.

Coordination: EventLockGranted, EventLockReleased.

Health: EventHealthCorrection (published by health.Monitor for scale_up
corrections; stuck recoveries and DLQ retries are not published),
EventAlertRaised (published by health.Monitor when it flags a worker).

# Usage

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			fmt.Printf("[%s] %s: %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Message)
		}
	}()

	bus.Publish(&events.Event{Type: events.EventTaskDLQed, Message: "task exhausted retries"})

# Limitations

In-memory only: no persistence, no replay, no delivery guarantee, no
ordering across subscribers. Any consumer that needs durability subscribes
to the broker's pub/sub channels in pkg/broker instead, which carry the
same event types across process boundaries.
*/
package events
