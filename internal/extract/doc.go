// Package extract defines the boundary between the sync engine and the
// browser automation layer that reads rendered chat pages.
//
// # Contract
//
// A Browser hands out one Tab per source. A Tab opens channel URLs, reports
// login state, and yields the currently rendered messages as a lazy sequence
// of RawRecord values. Two scroll primitives move the view: ScrollToRecent
// and ScrollOlder.
//
// # Normalization
//
// Raw records are converted with a Normalizer before they reach the store:
//
//   - timestamps (epoch, ISO-8601, display layouts, relative text) become UTC
//   - content_raw is rendered from the text when the platform gives none
//   - records without a platform id get a fallback identity, a BLAKE2b-256
//     digest of timestamp, author, and content
//
// Identical records inside one Batch get an occurrence suffix ("#1", "#2")
// so genuinely repeated messages are not merged.
//
// # Errors
//
//   - ErrSelectorMiss, ErrNavigationTimeout: transient, fail one task
//   - ErrAuthRequired: the source needs an interactive login
//   - ErrBrowserClosed: fatal, the run stops
package extract
