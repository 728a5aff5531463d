// Package runner executes thoth sync cycles.
//
// # Cycle
//
// A cycle checks that the browser window is open and the supervising parent
// is alive, then plans every enabled source: the source row is upserted, its
// tab is opened, and the login state is read. A source waiting for login
// gets a single login_pending task and its channels are not touched. For
// other sources the configured channels (and, when discovery is on, the
// channels stored by earlier discovery) are upserted and their sync state is
// loaded once.
//
// The plans become a scheduler queue that is drained in order. Maintenance
// tasks run first; discovery may push more sync tasks and the unread check
// may move channels forward.
//
// # Sync Pass
//
// A sync_channel task reads the newest recent_message_limit records. In
// backfill mode it then scrolls to the depth reached by earlier passes and
// reads backfill_scroll_steps further pages. The pass is committed to
// sync_state with one update; a failed or interrupted pass leaves the row as
// it was.
//
// # Outcomes
//
// RunCycle reports one of four statuses. Run loops while the status is
// continue. Closing the browser window and losing the parent are terminal
// and map to exit codes 3 and 4.
package runner
