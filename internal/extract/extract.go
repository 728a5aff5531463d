// ABOUTME: Contract between the sync engine and the browser automation layer
// ABOUTME: Browser/Tab interfaces, raw record types, and the extraction error taxonomy

package extract

import (
	"context"
	"errors"
	"iter"

	"github.com/2389/thoth/internal/selectors"
)

// Extraction errors. Transient errors fail a single task; fatal errors end the run.
var (
	ErrSelectorMiss      = errors.New("selector matched nothing")
	ErrNavigationTimeout = errors.New("navigation timed out")
	ErrAuthRequired      = errors.New("authentication required")
	ErrBrowserClosed     = errors.New("browser window closed")
)

// IsTransient reports whether err should only fail the current task.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSelectorMiss) || errors.Is(err, ErrNavigationTimeout)
}

// IsFatal reports whether err makes continued operation meaningless.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBrowserClosed)
}

// AuthState is a source's login status as seen in its tab.
type AuthState string

const (
	AuthUnknown AuthState = "unknown"
	AuthOK      AuthState = "ok"
	AuthPending AuthState = "pending"
)

// SourceInfo identifies the source a tab is opened for.
type SourceInfo struct {
	Name     string
	Platform string
	BaseURL  string
}

// RawReaction is a reaction as rendered next to a message.
type RawReaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// RawRecord is one message as read from the DOM, before normalization.
// Any field may be empty when the platform does not render it.
type RawRecord struct {
	ExternalID      string        `json:"external_id,omitempty"`
	AuthorID        string        `json:"author_id,omitempty"`
	AuthorHandle    string        `json:"author,omitempty"`
	AuthorName      string        `json:"author_name,omitempty"`
	Content         string        `json:"content,omitempty"`
	ContentRaw      string        `json:"content_raw,omitempty"`
	Timestamp       string        `json:"raw_timestamp,omitempty"`
	Edited          bool          `json:"edited,omitempty"`
	EditedTimestamp string        `json:"edited_timestamp,omitempty"`
	ReplyTo         string        `json:"reply_to,omitempty"`
	ThreadRoot      string        `json:"thread_root,omitempty"`
	Reactions       []RawReaction `json:"reactions,omitempty"`
	// Metadata holds helper-supplied extras such as reply_context.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DiscoveredChannel is a channel found while enumerating a source.
type DiscoveredChannel struct {
	ExternalID string         `json:"external_id"`
	Name       string         `json:"name"`
	URL        string         `json:"url"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Browser owns the automation context shared by all tabs.
type Browser interface {
	// Tab returns the tab dedicated to a source, opening it on first use.
	Tab(ctx context.Context, src SourceInfo) (Tab, error)
	// Closed is closed when the user closes the browser window.
	Closed() <-chan struct{}
	Close() error
}

// Tab drives a single page. Calls on one Tab must not overlap.
type Tab interface {
	Open(ctx context.Context, url string) error
	AuthState(ctx context.Context, profile selectors.Profile) (AuthState, error)
	// Probe checks that the tab is responsive.
	Probe(ctx context.Context) error
	// Unread returns channel URLs that show an unread badge.
	Unread(ctx context.Context, profile selectors.Profile) ([]string, error)
	Discover(ctx context.Context, baseURL string, profile selectors.Profile) ([]DiscoveredChannel, error)
	// Messages yields the records currently rendered, oldest first. The
	// sequence is finite and may be ranged over again after scrolling.
	Messages(ctx context.Context, profile selectors.Profile) iter.Seq2[RawRecord, error]
	ScrollToRecent(ctx context.Context, profile selectors.Profile) error
	ScrollOlder(ctx context.Context, profile selectors.Profile, pixels int) error
}
