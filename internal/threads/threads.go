// ABOUTME: Deferred reconstruction of thread roots from reply references
// ABOUTME: Walks stored replies until no further root can be resolved

package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/thoth/internal/store"
)

// Store is the subset of the store the reconstruction pass needs.
type Store interface {
	ListUnrootedReplies(ctx context.Context, afterID int64, limit int) ([]store.ReplyRef, error)
	GetMessage(ctx context.Context, sourceID int64, externalID string) (*store.Message, error)
	SetThreadRoot(ctx context.Context, messageID int64, rootExternalID string) error
}

var _ Store = (*store.SQLiteStore)(nil)

const (
	batchSize = 500
	maxPasses = 64
)

// Result summarizes a reconstruction run.
type Result struct {
	Resolved int // replies whose root was set
	Orphaned int // replies whose parent is not stored
	Pending  int // replies whose parent chain did not resolve
	Passes   int
}

// Reconstructor resolves thread roots for stored replies.
type Reconstructor struct {
	store  Store
	logger *slog.Logger
}

func New(s Store) *Reconstructor {
	return &Reconstructor{
		store:  s,
		logger: slog.Default().With("component", "threads"),
	}
}

// Run resolves every reply it can. A reply's root is its parent's root, or
// the parent itself when the parent is not a reply. Chains resolve across
// passes; Run stops when a pass makes no progress.
func (r *Reconstructor) Run(ctx context.Context) (Result, error) {
	var res Result

	for res.Passes < maxPasses {
		res.Passes++
		resolved, orphaned, pending, err := r.pass(ctx)
		if err != nil {
			return res, err
		}
		res.Resolved += resolved
		res.Orphaned = orphaned
		res.Pending = pending
		if resolved == 0 || pending == 0 {
			break
		}
	}

	r.logger.Info("thread reconstruction finished",
		"resolved", res.Resolved,
		"orphaned", res.Orphaned,
		"pending", res.Pending,
		"passes", res.Passes,
	)
	return res, nil
}

func (r *Reconstructor) pass(ctx context.Context) (resolved, orphaned, pending int, err error) {
	var after int64
	for {
		refs, err := r.store.ListUnrootedReplies(ctx, after, batchSize)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("listing replies: %w", err)
		}

		for _, ref := range refs {
			after = ref.MessageID

			root, err := r.resolve(ctx, ref)
			switch {
			case errors.Is(err, store.ErrNotFound):
				orphaned++
				continue
			case err != nil:
				return 0, 0, 0, err
			case root == "":
				pending++
				continue
			}

			if err := r.store.SetThreadRoot(ctx, ref.MessageID, root); err != nil {
				return 0, 0, 0, fmt.Errorf("setting root of %s: %w", ref.ExternalID, err)
			}
			resolved++
		}

		if len(refs) < batchSize {
			return resolved, orphaned, pending, nil
		}
	}
}

// resolve returns the root for ref, or "" when the parent's own root is not
// known yet.
func (r *Reconstructor) resolve(ctx context.Context, ref store.ReplyRef) (string, error) {
	if ref.ReplyToExternalID == ref.ExternalID {
		return ref.ExternalID, nil
	}

	parent, err := r.store.GetMessage(ctx, ref.SourceID, ref.ReplyToExternalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("loading parent of %s: %w", ref.ExternalID, err)
	}

	switch {
	case parent.ThreadRootExternalID != "":
		return parent.ThreadRootExternalID, nil
	case parent.ReplyToExternalID == "":
		return parent.ExternalID, nil
	default:
		return "", nil
	}
}
