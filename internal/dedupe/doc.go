// Package dedupe remembers fingerprints of message observations that were
// already written to the store, so that overlapping scroll passes within a
// cycle (and across cycles inside the TTL window) skip redundant upserts.
//
// The cache is an optimization only: a miss always falls through to the
// store's idempotent upsert, which remains the source of truth.
package dedupe
