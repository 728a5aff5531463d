// ABOUTME: The sync_channel task: recent pass, optional backfill pass, and state commit
// ABOUTME: Ingests normalized records through the dedupe cache into the store

package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/thoth/internal/dedupe"
	"github.com/2389/thoth/internal/extract"
	"github.com/2389/thoth/internal/scheduler"
	"github.com/2389/thoth/internal/store"
	"github.com/2389/thoth/internal/syncstate"
)

// syncChannel runs one pass over a channel. State is committed only when the
// pass completes; a cancelled or failed pass leaves sync_state untouched.
func (r *Runner) syncChannel(ctx context.Context, cc *cycle, sess *session, t scheduler.Task) error {
	prev := t.State
	logger := r.logger.With("source", sess.cfg.Name, "channel", t.ChannelName, "mode", prev.Mode)

	if err := r.limiter(sess.cfg.Name).Wait(ctx); err != nil {
		return err
	}
	if err := sess.tab.Open(ctx, t.ChannelURL); err != nil {
		return fmt.Errorf("opening %s: %w", t.ChannelURL, err)
	}
	auth, err := sess.tab.AuthState(ctx, sess.profile)
	if err != nil {
		return fmt.Errorf("checking login state: %w", err)
	}
	if auth == extract.AuthPending {
		return extract.ErrAuthRequired
	}

	if err := sess.tab.ScrollToRecent(ctx, sess.profile); err != nil {
		return fmt.Errorf("scrolling to recent: %w", err)
	}
	if err := r.sleep(ctx, r.cfg.Scrape.ScrollDelay); err != nil {
		return err
	}

	var pass syncstate.Pass

	recs, err := r.collect(ctx, sess, r.cfg.Scrape.RecentMessageLimit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		logger.Warn("no messages extracted; check login status and selectors", "url", t.ChannelURL)
	}
	pass.RecentInserted, err = r.ingest(ctx, cc, sess, t.ChannelID, recs, &pass)
	if err != nil {
		return err
	}

	if prev.Mode == store.ModeBackfill {
		if err := r.backfill(ctx, cc, sess, t, &pass); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	_, tr, err := r.machine.Commit(ctx, prev, pass)
	if err != nil {
		return err
	}
	cc.sum.ChannelsTouched++
	cc.modes[string(tr.To)]++
	if tr.Changed() {
		r.recordTransition(ctx, cc, sess, t.ChannelID, tr)
	}

	logger.Debug("channel synced",
		"recent_inserted", pass.RecentInserted,
		"backfill_inserted", pass.BackfillInserted,
		"depth", pass.DepthReached)
	return nil
}

// backfill scrolls past the depth earlier passes reached, then reads
// BackfillScrollSteps further pages of history.
func (r *Runner) backfill(ctx context.Context, cc *cycle, sess *session, t scheduler.Task, pass *syncstate.Pass) error {
	pixels := r.cfg.Scrape.ScrollPixels
	depth := 0

	for depth < t.State.BackfillDepth {
		if err := sess.tab.ScrollOlder(ctx, sess.profile, pixels); err != nil {
			return fmt.Errorf("scrolling to depth %d: %w", depth+1, err)
		}
		depth++
	}

	for range r.cfg.Scrape.BackfillScrollSteps {
		if err := sess.tab.ScrollOlder(ctx, sess.profile, pixels); err != nil {
			return fmt.Errorf("scrolling to depth %d: %w", depth+1, err)
		}
		depth++
		if err := r.sleep(ctx, r.cfg.Scrape.ScrollDelay); err != nil {
			return err
		}

		recs, err := r.collect(ctx, sess, 0)
		if err != nil {
			return err
		}
		n, err := r.ingest(ctx, cc, sess, t.ChannelID, recs, pass)
		if err != nil {
			return err
		}
		pass.BackfillInserted += n
	}

	pass.DepthReached = depth
	return nil
}

// collect normalizes the rendered records. A positive limit keeps only the
// newest limit records.
func (r *Runner) collect(ctx context.Context, sess *session, limit int) ([]extract.Record, error) {
	batch := r.normalizer.NewBatch()
	var out []extract.Record

	for raw, err := range sess.tab.Messages(ctx, sess.profile) {
		if err != nil {
			return nil, fmt.Errorf("reading messages: %w", err)
		}
		rec, tsErr := batch.Normalize(raw)
		if tsErr != nil {
			r.logger.Debug("unparsed timestamp", "source", sess.cfg.Name, "external_id", rec.ExternalID, "error", tsErr)
		}
		out = append(out, rec)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ingest writes records and returns how many were new. Conflicts are
// recorded and skipped; any other store error aborts the task.
func (r *Runner) ingest(ctx context.Context, cc *cycle, sess *session, channelID int64, recs []extract.Record, pass *syncstate.Pass) (int, error) {
	inserted := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}
		pass.Observe(rec.CreatedAt)

		reactions := make([]dedupe.Reaction, len(rec.Reactions))
		for i, rx := range rec.Reactions {
			reactions[i] = dedupe.Reaction{Emoji: rx.Emoji, Count: rx.Count}
		}
		fp := dedupe.Fingerprint(sess.sourceID, rec.ExternalID, rec.Content, rec.ContentRaw, reactions)
		if r.dedupe.CheckAndMark(fp) {
			cc.sum.Duplicates++
			continue
		}

		res, err := r.writeRecord(ctx, cc, sess, channelID, rec)
		if errors.Is(err, store.ErrConflict) {
			r.dedupe.Forget(fp)
			r.conflict(ctx, cc, sess, &channelID, rec.ExternalID, err)
			r.metrics.Records(sess.cfg.Name, "conflict", 1)
			continue
		}
		if err != nil {
			r.dedupe.Forget(fp)
			return inserted, err
		}

		switch {
		case res.IsNew:
			inserted++
			cc.sum.Inserted++
			r.metrics.Records(sess.cfg.Name, "inserted", 1)
		case res.Edited:
			cc.sum.Edited++
			r.metrics.Records(sess.cfg.Name, "edited", 1)
		default:
			cc.sum.Unchanged++
			r.metrics.Records(sess.cfg.Name, "unchanged", 1)
		}
	}
	return inserted, nil
}

func (r *Runner) writeRecord(ctx context.Context, cc *cycle, sess *session, channelID int64, rec extract.Record) (store.UpsertResult, error) {
	var authorID *int64
	if rec.AuthorKey != "" {
		id, err := r.store.UpsertUser(ctx, store.UserInput{
			SourceID:    sess.sourceID,
			ExternalID:  rec.AuthorKey,
			Handle:      rec.AuthorHandle,
			DisplayName: rec.AuthorName,
		})
		if err != nil {
			return store.UpsertResult{}, fmt.Errorf("recording author: %w", err)
		}
		authorID = &id
	}

	mr := store.MessageRecord{
		SourceID:             sess.sourceID,
		ChannelID:            channelID,
		ExternalID:           rec.ExternalID,
		Fallback:             rec.Fallback,
		AuthorID:             authorID,
		Content:              rec.Content,
		ContentRaw:           rec.ContentRaw,
		CreatedAt:            rec.CreatedAt,
		EditedAt:             rec.EditedAt,
		ReplyToExternalID:    rec.ReplyTo,
		ThreadRootExternalID: rec.ThreadRoot,
		Metadata:             rec.Metadata,
		EventTags:            map[string]any{"cycle_id": cc.id},
	}
	res, err := r.store.UpsertMessage(ctx, mr)
	if err != nil {
		return res, err
	}

	for _, rx := range rec.Reactions {
		if err := r.store.UpsertReaction(ctx, res.MessageID, rx.Emoji, rx.Count); err != nil {
			return res, fmt.Errorf("recording reaction: %w", err)
		}
		cc.sum.Reactions++
	}
	return res, nil
}
