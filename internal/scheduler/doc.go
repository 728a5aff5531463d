// Package scheduler holds the per-cycle task queue.
//
// # Ordering
//
// A queue is built fresh at the start of every cycle from the enabled
// sources. Maintenance tasks (check_servers, discover_channels,
// check_notifications) run before any sync_channel task. Among sync tasks,
// channels flagged unread run first, then channels in recent mode, then
// channels in backfill mode; ties keep insertion order.
//
// # Mutation
//
// Tasks may push new work (a discovered channel) or flag pending channels
// as unread while the queue drains. Both operations only reorder the
// pending tail; a task that already ran is never revisited in the same
// cycle.
//
// # Failure
//
// Drain is best effort. A failing task is reported and the next one runs.
// Only an error classified as fatal or cancellation of the parent context
// stops the drain early.
package scheduler
