/*
Package events provides an in-memory event broker for the cluster
coordinator's lifecycle notifications.

The events package implements a lightweight event bus for broadcasting
cluster-coordinator events (node liveness changes, job admission/failure/
completion, batch dispatch/phase-advance/failure/completion, disk failures,
recovery plans) to interested subscribers. It supports non-blocking publish
with buffered per-subscriber channels, the same trade-off warren's original
event bus made: throughput over guaranteed delivery.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Node Events:                               │          │
	│  │    - node.up, node.down                     │          │
	│  │                                              │          │
	│  │  Job Events:                                │          │
	│  │    - job.admitted, job.failed, job.completed│          │
	│  │                                              │          │
	│  │  Batch Events:                              │          │
	│  │    - batch.dispatched, batch.phase_advanced │          │
	│  │    - batch.failed, batch.completed          │          │
	│  │                                              │          │
	│  │  Recovery Events:                           │          │
	│  │    - disk.failed, recovery.planned          │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  Any caller of Broker.Subscribe; no package │          │
	│  │  in this module subscribes                  │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (job.failed, disk.failed, etc.)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context (host, batch id, ...)

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s: %s\n", event.Timestamp.Format("15:04:05"), event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventDiskFailed,
		Message: "disk /mnt/disk2 on node7 marked failed",
	})

# Integration Points

pkg/clustercoord is the sole publisher: it attaches a broker via
Coordinator.WithEventBroker and calls its nil-safe publish helper at every
lifecycle transition the main loop drives (§4.5's seven steps). The broker
itself is owned and started by cmd/themisctl's cluster-coordinator command.

# Limitations

In-memory only, no persistence, no replay, no delivery guarantee, no
topic-based filtering — a slow or absent subscriber simply misses events
rather than stalling the publisher.
*/
package events
