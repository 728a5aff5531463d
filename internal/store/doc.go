// Package store provides the normalized, platform-agnostic message store using SQLite.
//
// # Architecture
//
// Two interfaces split the write and read sides:
//
//   - Store: idempotent upserts used by the sync engine, events, sync state
//   - Reader: read-only lookups used by the query commands and enrichment passes
//
// SQLiteStore implements both in a single struct.
//
// # Data Models
//
//   - Source: a platform instance, identified by name
//   - Channel: a conversation within a source, keyed by (source_id, external_id)
//   - User: an author within a source, keyed by (source_id, external_id)
//   - Message: keyed by (source_id, external_id); content is mutable, identity is not
//   - MessageVersion: snapshot of prior content taken when an edit is detected
//   - Reaction: emoji count per message, last observation wins
//   - Event: append-only audit record
//   - SyncState: per-channel scanning mode and idle-cycle counter
//
// # Idempotence
//
// UpsertMessage performs no writes when the observed content matches the
// stored row. A differing observation writes a MessageVersion of the prior
// content, updates the row, and records a message.edited Event in one
// transaction.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC text (TimeLayout), so lexical
// ordering matches chronological ordering.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrConflict: matched by *ConflictError, a record-local identity collision
//
// All methods accept context.Context for cancellation support.
package store
