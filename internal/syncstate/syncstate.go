// ABOUTME: Per-channel recent/backfill state machine driven by sync pass results
// ABOUTME: Next is pure; Machine loads state once and commits it once per cycle

package syncstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/thoth/internal/store"
)

// Policy holds the idle-cycle thresholds.
type Policy struct {
	// IdleCyclesBeforeBackfill is the number of consecutive empty recent
	// passes after which a channel switches to backfill.
	IdleCyclesBeforeBackfill int
	// IdleCyclesBeforeRecent is the number of consecutive empty backfill
	// passes after which history is considered exhausted.
	IdleCyclesBeforeRecent int
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		IdleCyclesBeforeBackfill: 6,
		IdleCyclesBeforeRecent:   3,
	}
}

// State is the in-memory view of one channel's sync_state row.
type State struct {
	ChannelID     int64
	Mode          store.SyncMode
	LastSeenAt    *time.Time
	OldestSeenAt  *time.Time
	IdleCycles    int
	BackfillDepth int // scroll steps reached by previous backfill passes
}

// Pass summarizes one sync_channel execution.
type Pass struct {
	RecentInserted   int        // new messages found at the bottom of the channel
	BackfillInserted int        // new messages found while scrolling into history
	Newest           *time.Time // newest timestamp observed, nil if none
	Oldest           *time.Time // oldest timestamp observed, nil if none
	DepthReached     int        // scroll steps reached this pass (backfill only)
}

// Inserted returns the total number of new messages in the pass.
func (p Pass) Inserted() int {
	return p.RecentInserted + p.BackfillInserted
}

// Observe widens the pass's observed time range to include t.
func (p *Pass) Observe(t time.Time) {
	if t.IsZero() {
		return
	}
	if p.Newest == nil || t.After(*p.Newest) {
		v := t
		p.Newest = &v
	}
	if p.Oldest == nil || t.Before(*p.Oldest) {
		v := t
		p.Oldest = &v
	}
}

// Transition reasons.
const (
	ReasonFreshContent     = "fresh_content"
	ReasonIdleThreshold    = "idle_threshold"
	ReasonHistoryExhausted = "history_exhausted"
)

// Transition describes a mode change produced by Next.
type Transition struct {
	From   store.SyncMode
	To     store.SyncMode
	Reason string
}

// Changed reports whether the mode changed.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Next computes the state after a pass. The pass ran in prev.Mode; any mode
// change takes effect on the channel's next pass.
func Next(prev State, pass Pass, policy Policy) (State, Transition) {
	next := prev
	if next.Mode == "" {
		next.Mode = store.ModeRecent
	}
	from := next.Mode
	tr := Transition{From: from, To: from}

	next.LastSeenAt = later(prev.LastSeenAt, pass.Newest)
	next.OldestSeenAt = earlier(prev.OldestSeenAt, pass.Oldest)

	switch {
	case pass.RecentInserted > 0:
		next.IdleCycles = 0
		next.Mode = store.ModeRecent
		if from != store.ModeRecent {
			tr.Reason = ReasonFreshContent
		}

	case from == store.ModeRecent:
		next.IdleCycles++
		if next.IdleCycles >= atLeastOne(policy.IdleCyclesBeforeBackfill) {
			next.Mode = store.ModeBackfill
			next.IdleCycles = 0
			tr.Reason = ReasonIdleThreshold
		}

	default:
		if pass.DepthReached > next.BackfillDepth {
			next.BackfillDepth = pass.DepthReached
		}
		if pass.BackfillInserted > 0 {
			next.IdleCycles = 0
			break
		}
		next.IdleCycles++
		if next.IdleCycles >= atLeastOne(policy.IdleCyclesBeforeRecent) {
			next.Mode = store.ModeRecent
			next.IdleCycles = 0
			next.BackfillDepth = 0
			tr.Reason = ReasonHistoryExhausted
		}
	}

	tr.To = next.Mode
	return next, tr
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func later(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || !b.After(*a) {
		return a
	}
	return b
}

func earlier(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || !b.Before(*a) {
		return a
	}
	return b
}

type cursor struct {
	BackfillDepth int `json:"backfill_depth"`
}

// EncodeCursor renders the opaque cursor stored in sync_state.
func EncodeCursor(depth int) string {
	data, _ := json.Marshal(cursor{BackfillDepth: depth})
	return string(data)
}

// DecodeCursor parses a cursor. An empty cursor means depth zero.
func DecodeCursor(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	var c cursor
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return 0, fmt.Errorf("decoding cursor: %w", err)
	}
	if c.BackfillDepth < 0 {
		return 0, fmt.Errorf("decoding cursor: negative depth %d", c.BackfillDepth)
	}
	return c.BackfillDepth, nil
}

// FromRow converts a stored row into a State.
func FromRow(row *store.SyncState) (State, error) {
	depth, err := DecodeCursor(row.Cursor)
	st := State{
		ChannelID:     row.ChannelID,
		Mode:          row.Mode,
		LastSeenAt:    row.LastSeenAt,
		OldestSeenAt:  row.OldestSeenAt,
		IdleCycles:    row.IdleCycles,
		BackfillDepth: depth,
	}
	return st, err
}

// Machine is the only writer of sync_state.
type Machine struct {
	store  store.Store
	policy Policy
	logger *slog.Logger
}

// New creates a Machine backed by st.
func New(st store.Store, policy Policy) *Machine {
	return &Machine{
		store:  st,
		policy: policy,
		logger: slog.Default().With("component", "syncstate"),
	}
}

// Policy returns the thresholds in effect.
func (m *Machine) Policy() Policy {
	return m.policy
}

// Load reads a channel's state, creating the default row on first access.
func (m *Machine) Load(ctx context.Context, channelID int64) (State, error) {
	row, err := m.store.GetSyncState(ctx, channelID)
	if err != nil {
		return State{}, fmt.Errorf("loading sync state: %w", err)
	}
	st, err := FromRow(row)
	if err != nil {
		// A damaged cursor only costs scroll depth; restart backfill from the bottom.
		m.logger.Warn("ignoring unreadable cursor", "channel_id", channelID, "error", err)
	}
	return st, nil
}

// Commit applies a pass to prev and persists the result with a single update.
func (m *Machine) Commit(ctx context.Context, prev State, pass Pass) (State, Transition, error) {
	next, tr := Next(prev, pass, m.policy)

	cur := EncodeCursor(next.BackfillDepth)
	patch := store.SyncStatePatch{
		Mode:         &next.Mode,
		LastSeenAt:   next.LastSeenAt,
		OldestSeenAt: next.OldestSeenAt,
		Cursor:       &cur,
		IdleCycles:   &next.IdleCycles,
	}
	if _, err := m.store.UpdateSyncState(ctx, prev.ChannelID, patch); err != nil {
		return prev, Transition{From: prev.Mode, To: prev.Mode}, fmt.Errorf("committing sync state: %w", err)
	}

	if tr.Changed() {
		m.logger.Info("sync mode changed",
			"channel_id", prev.ChannelID,
			"from", tr.From,
			"to", tr.To,
			"reason", tr.Reason,
		)
	}
	return next, tr, nil
}
