// ABOUTME: Store interfaces and data types for thoth persistence
// ABOUTME: Defines sources, channels, users, messages, reactions, events, and sync state rows

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is the sentinel matched by every *ConflictError.
var ErrConflict = errors.New("store conflict")

// ConflictError reports an identity collision or constraint violation that is
// local to one record. Callers log it and continue with the next record.
type ConflictError struct {
	Op  string // operation that failed, e.g. "upsert message"
	Key string // natural key of the offending record
	Err error  // underlying driver error, if any
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: conflict: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: conflict", e.Op, e.Key)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) Unwrap() error { return e.Err }

// SyncMode is the per-channel scanning strategy.
type SyncMode string

const (
	ModeRecent   SyncMode = "recent"
	ModeBackfill SyncMode = "backfill"
)

// Valid reports whether m is a known mode.
func (m SyncMode) Valid() bool {
	return m == ModeRecent || m == ModeBackfill
}

// EventType constants for the events table
const (
	EventMessageEdited    = "message.edited"
	EventLoginPending     = "source.login_pending"
	EventTaskFailed       = "task.failed"
	EventModeChanged      = "sync.mode_changed"
	EventStoreConflict    = "store.conflict"
	EventChannelsFound    = "channels.discovered"
	EventCycleInterrupted = "cycle.interrupted"
)

// Source is a platform instance, e.g. one Discord account or Slack workspace.
type Source struct {
	ID        int64
	Name      string
	Platform  string
	BaseURL   string
	CreatedAt time.Time
}

// Channel is a conversation scoped to a source.
type Channel struct {
	ID         int64
	SourceID   int64
	ExternalID string
	Name       string
	URL        string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// ChannelInput describes a channel observation passed to UpsertChannel.
type ChannelInput struct {
	SourceID   int64
	ExternalID string
	Name       string
	URL        string
	Metadata   map[string]any // nil keeps previously stored metadata
}

// UserInput describes an author sighting passed to UpsertUser.
type UserInput struct {
	SourceID    int64
	ExternalID  string
	Handle      string
	DisplayName string
}

// MessageRecord is a normalized message observation ready for UpsertMessage.
type MessageRecord struct {
	SourceID             int64
	ChannelID            int64
	ExternalID           string
	Fallback             bool   // ExternalID is a content-derived fallback identity
	AuthorID             *int64 // nil when the author could not be identified
	Content              string
	ContentRaw           string
	CreatedAt            time.Time  // zero when the platform gave no usable timestamp
	EditedAt             *time.Time // set when the platform marks the message edited
	ReplyToExternalID    string
	ThreadRootExternalID string
	Metadata             map[string]any
	EventTags            map[string]any // merged into the payload of events the upsert records
}

// UpsertResult reports what UpsertMessage did.
type UpsertResult struct {
	MessageID int64
	IsNew     bool
	Edited    bool
}

// Message is a stored message row.
type Message struct {
	ID                   int64
	SourceID             int64
	ChannelID            int64
	ExternalID           string
	AuthorID             *int64
	Content              string
	ContentRaw           string
	CreatedAt            *time.Time
	EditedAt             *time.Time
	ReplyToExternalID    string
	ThreadRootExternalID string
	Metadata             map[string]any
}

// MessageVersion is an immutable snapshot of prior message content.
type MessageVersion struct {
	ID         int64
	MessageID  int64
	Content    string
	ContentRaw string
	CapturedAt time.Time
}

// Reaction is an emoji count attached to a message.
type Reaction struct {
	ID        int64
	MessageID int64
	Emoji     string
	Count     int
	UpdatedAt time.Time
}

// Event is an append-only audit record.
type Event struct {
	ID        int64
	Type      string
	SourceID  *int64
	ChannelID *int64
	MessageID *int64
	Payload   map[string]any
	CreatedAt time.Time
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Type      string
	SourceID  *int64
	ChannelID *int64
	Limit     int // default 100, max 1000
}

// SyncState is the per-channel control row.
type SyncState struct {
	ChannelID    int64
	Mode         SyncMode
	LastSeenAt   *time.Time
	OldestSeenAt *time.Time
	Cursor       string // opaque to the store
	IdleCycles   int
	UpdatedAt    time.Time
}

// SyncStatePatch carries the fields UpdateSyncState should change.
// Nil fields are left untouched.
type SyncStatePatch struct {
	Mode         *SyncMode
	LastSeenAt   *time.Time
	OldestSeenAt *time.Time
	Cursor       *string
	IdleCycles   *int
}

// Store is the write side used by the sync engine.
type Store interface {
	UpsertSource(ctx context.Context, name, platform, baseURL string) (int64, error)
	UpsertChannel(ctx context.Context, in ChannelInput) (int64, error)
	UpsertUser(ctx context.Context, in UserInput) (int64, error)
	UpsertMessage(ctx context.Context, rec MessageRecord) (UpsertResult, error)
	UpsertReaction(ctx context.Context, messageID int64, emoji string, count int) error
	RecordEvent(ctx context.Context, ev *Event) error

	GetSyncState(ctx context.Context, channelID int64) (*SyncState, error)
	UpdateSyncState(ctx context.Context, channelID int64, patch SyncStatePatch) (*SyncState, error)

	Close() error
}

// Reader is the read-only side consumed by query tools and enrichment passes.
type Reader interface {
	SearchMessages(ctx context.Context, params SearchParams) ([]MessageView, error)
	RecentMessages(ctx context.Context, channel string, limit int) ([]MessageView, error)
	Stats(ctx context.Context) (*Stats, error)
	ListChannels(ctx context.Context, sourceID int64) ([]*Channel, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	GetMessage(ctx context.Context, sourceID int64, externalID string) (*Message, error)
	ListMessageVersions(ctx context.Context, messageID int64) ([]*MessageVersion, error)
	ListReactions(ctx context.Context, messageID int64) ([]*Reaction, error)
}
