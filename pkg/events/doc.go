/*
Package events provides the coordinator's event broker and durable journal.

The coordinator publishes a named event at every task, worker, and workflow
lifecycle edge: task:enqueued, task:assigned, task:started, task:completed,
task:failed, task:timeout, worker:registered, worker:offline,
workflow:started, workflow:completed, workflow:failed.

# Broker

The Broker supports two consumption styles:

  - Named handlers (On): callbacks registered per event type, run
    synchronously in the publisher's context, in registration order. A
    panicking handler is recovered and logged and does not affect the
    others.
  - Channel subscribers (Subscribe): buffered channels that receive every
    event asynchronously from the broadcast loop. A subscriber that falls
    behind has events dropped rather than blocking the system.

The workflow runner subscribes a channel to learn about sub-task completion
without polling; the API server subscribes one per WebSocket stream.

# Journal

Journal is an append-only bbolt record of every published event, keyed by
emission time so replay walks in order. It backs the drover-journal
inspection tool and survives coordinator restarts. Attach one with
AttachJournal; publishing never fails on journal errors, they are logged
and the event still flows.
*/
package events
