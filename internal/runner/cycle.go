// ABOUTME: One sync cycle: liveness checks, per-source planning, queue drain, and wrap-up
// ABOUTME: Dispatches maintenance tasks and records task.failed and login_pending events

package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/thoth/internal/config"
	"github.com/2389/thoth/internal/extract"
	"github.com/2389/thoth/internal/scheduler"
	"github.com/2389/thoth/internal/selectors"
	"github.com/2389/thoth/internal/store"
	"github.com/2389/thoth/internal/syncstate"
	"github.com/2389/thoth/internal/threads"
)

// session is one enabled source's view for the duration of a cycle.
type session struct {
	cfg      config.SourceConfig
	sourceID int64
	profile  selectors.Profile
	tab      extract.Tab
}

// cycle carries per-cycle bookkeeping.
type cycle struct {
	id           string
	sum          Summary
	sessions     map[string]*session
	loginPending map[string]bool
	modes        map[string]int
}

// RunCycle executes one pass over every enabled source.
func (r *Runner) RunCycle(ctx context.Context) Outcome {
	start := r.now()
	cc := &cycle{
		id:           uuid.NewString(),
		sessions:     make(map[string]*session),
		loginPending: make(map[string]bool),
		modes:        make(map[string]int),
	}
	cc.sum.CycleID = cc.id
	logger := r.logger.With("cycle_id", cc.id)

	finish := func(status Status, err error) Outcome {
		cc.sum.Duration = r.now().Sub(start)
		r.metrics.CycleFinished(string(status), cc.sum.Duration)
		logger.Info("cycle finished", "status", status, "summary", cc.sum.String(), "duration", cc.sum.Duration)
		return Outcome{Status: status, Summary: cc.sum, Err: err}
	}

	if !r.parent.Alive() {
		return finish(StatusSupervisorLost, errSupervisorLost)
	}
	if r.browserClosed() {
		return finish(StatusBrowserClosed, extract.ErrBrowserClosed)
	}

	plans, err := r.plan(ctx, cc)
	if err != nil {
		switch {
		case extract.IsFatal(err):
			return finish(StatusBrowserClosed, err)
		case ctx.Err() != nil:
			r.interrupted(ctx, cc, "planning")
			return finish(StatusDone, ctx.Err())
		}
		// plan only returns fatal or cancellation errors
		return finish(StatusDone, err)
	}

	q := scheduler.Build(plans)
	logger.Info("task queue ready", "tasks", q.Len())

	rep := q.Drain(ctx, r.executor(cc), scheduler.DrainOptions{
		TaskTimeout: r.cfg.Scrape.TaskTimeout,
		IsFatal: func(err error) bool {
			return extract.IsFatal(err) || errors.Is(err, errSupervisorLost)
		},
		OnFailure: func(ctx context.Context, t scheduler.Task, err error) {
			r.taskFailed(ctx, cc, q, t, err)
		},
	})

	switch {
	case rep.Fatal != nil && errors.Is(rep.Fatal, errSupervisorLost):
		return finish(StatusSupervisorLost, rep.Fatal)
	case rep.Fatal != nil:
		return finish(StatusBrowserClosed, rep.Fatal)
	case rep.Interrupted != nil:
		r.interrupted(ctx, cc, "drain")
		return finish(StatusDone, rep.Interrupted)
	}

	if r.cfg.Scrape.ReconstructThreads {
		res, err := threads.New(r.store).Run(ctx)
		if err != nil {
			cc.sum.Errors++
			logger.Warn("thread reconstruction failed", "error", err)
		}
		cc.sum.ThreadsResolved = res.Resolved
	}

	r.metrics.SetChannelModes(cc.modes)
	r.metrics.SetSelectorGeneration(r.registry.Generation())
	return finish(StatusContinue, nil)
}

// plan registers every enabled source, checks its login state, and loads
// the sync state of its channels. Per-source problems are logged and the
// source is left out; only fatal errors and cancellation are returned.
func (r *Runner) plan(ctx context.Context, cc *cycle) ([]scheduler.SourcePlan, error) {
	var plans []scheduler.SourcePlan

	enabled := 0
	for _, src := range r.cfg.Sources {
		if !src.IsEnabled() {
			continue
		}
		enabled++

		p, err := r.planSource(ctx, cc, src)
		if err != nil {
			if extract.IsFatal(err) || ctx.Err() != nil {
				return nil, err
			}
			cc.sum.Errors++
			r.logger.Warn("skipping source this cycle", "source", src.Name, "error", err)
			continue
		}
		plans = append(plans, p)
	}

	if enabled == 0 {
		r.logger.Warn("no enabled sources; enable at least one source in config")
	}
	return plans, nil
}

func (r *Runner) planSource(ctx context.Context, cc *cycle, src config.SourceConfig) (scheduler.SourcePlan, error) {
	plan := scheduler.SourcePlan{Name: src.Name, AutoDiscover: src.Discovers()}

	sourceID, err := r.store.UpsertSource(ctx, src.Name, src.Type, src.BaseURL)
	if err != nil {
		return plan, fmt.Errorf("registering source: %w", err)
	}

	profile, err := r.registry.Resolve(src.Type, src.Name)
	if err != nil {
		return plan, fmt.Errorf("resolving selectors: %w", err)
	}

	tctx, cancel := r.taskContext(ctx)
	defer cancel()

	tab, err := r.browser.Tab(tctx, extract.SourceInfo{Name: src.Name, Platform: src.Type, BaseURL: src.BaseURL})
	if err != nil {
		return plan, fmt.Errorf("opening tab: %w", err)
	}
	if !r.opened[src.Name] {
		if err := r.limiter(src.Name).Wait(tctx); err != nil {
			return plan, err
		}
		if err := tab.Open(tctx, src.BaseURL); err != nil {
			return plan, fmt.Errorf("opening %s: %w", src.BaseURL, err)
		}
		r.opened[src.Name] = true
	}

	sess := &session{cfg: src, sourceID: sourceID, profile: profile, tab: tab}
	cc.sessions[src.Name] = sess

	auth, err := tab.AuthState(tctx, profile)
	if err != nil {
		return plan, fmt.Errorf("checking login state: %w", err)
	}
	if auth == extract.AuthPending {
		plan.AuthPending = true
		return plan, nil
	}

	plan.Channels, err = r.planChannels(ctx, sess)
	if err != nil {
		return plan, err
	}
	if len(plan.Channels) == 0 && !plan.AutoDiscover {
		r.logger.Warn("no enabled channels for source; list channels in config or enable auto_discover",
			"source", src.Name)
	}
	return plan, nil
}

// planChannels upserts the configured channels and, for discovering sources,
// adds channels found in earlier cycles.
func (r *Runner) planChannels(ctx context.Context, sess *session) ([]scheduler.ChannelPlan, error) {
	var out []scheduler.ChannelPlan
	planned := make(map[string]bool)
	disabled := make(map[string]bool)

	for _, ch := range sess.cfg.Channels {
		key := ch.Key()
		if !ch.IsEnabled() {
			disabled[key] = true
			continue
		}
		if planned[key] {
			continue
		}
		id, err := r.store.UpsertChannel(ctx, store.ChannelInput{
			SourceID:   sess.sourceID,
			ExternalID: key,
			Name:       ch.Name,
			URL:        ch.URL,
		})
		if err != nil {
			return nil, fmt.Errorf("registering channel %s: %w", ch.Name, err)
		}
		cp, err := r.channelPlan(ctx, id, ch.Name, ch.URL)
		if err != nil {
			return nil, err
		}
		planned[key] = true
		out = append(out, cp)
	}

	if !sess.cfg.Discovers() {
		return out, nil
	}

	known, err := r.store.ListChannels(ctx, sess.sourceID)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	for _, ch := range known {
		if planned[ch.ExternalID] || disabled[ch.ExternalID] || ch.URL == "" {
			continue
		}
		cp, err := r.channelPlan(ctx, ch.ID, ch.Name, ch.URL)
		if err != nil {
			return nil, err
		}
		planned[ch.ExternalID] = true
		out = append(out, cp)
	}
	return out, nil
}

func (r *Runner) channelPlan(ctx context.Context, id int64, name, url string) (scheduler.ChannelPlan, error) {
	st, err := r.machine.Load(ctx, id)
	if err != nil {
		return scheduler.ChannelPlan{}, err
	}
	if name == "" {
		name = url
	}
	return scheduler.ChannelPlan{ID: id, Name: name, URL: url, State: st}, nil
}

// executor dispatches tasks and checks liveness between them.
func (r *Runner) executor(cc *cycle) scheduler.Executor {
	return scheduler.ExecutorFunc(func(ctx context.Context, t scheduler.Task, q *scheduler.Queue) error {
		if !r.parent.Alive() {
			return errSupervisorLost
		}
		if r.browserClosed() {
			return extract.ErrBrowserClosed
		}

		sess := cc.sessions[t.Source]
		if sess == nil {
			return fmt.Errorf("no session for source %q", t.Source)
		}

		start := r.now()
		err := r.execute(ctx, cc, sess, t, q)
		result := "ok"
		if err != nil {
			result = "failed"
		}
		r.metrics.TaskFinished(string(t.Kind), result, r.now().Sub(start))
		return err
	})
}

func (r *Runner) execute(ctx context.Context, cc *cycle, sess *session, t scheduler.Task, q *scheduler.Queue) error {
	switch t.Kind {
	case scheduler.KindCheckServers:
		return r.checkServers(ctx, cc, sess, q)
	case scheduler.KindDiscoverChannels:
		return r.discoverChannels(ctx, cc, sess, q)
	case scheduler.KindCheckNotifications:
		return r.checkNotifications(ctx, sess, q)
	case scheduler.KindLoginPending:
		r.loginPending(ctx, cc, sess, "login required")
		return nil
	case scheduler.KindSyncChannel:
		return r.syncChannel(ctx, cc, sess, t)
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

func (r *Runner) checkServers(ctx context.Context, cc *cycle, sess *session, q *scheduler.Queue) error {
	if err := sess.tab.Probe(ctx); err != nil {
		return fmt.Errorf("probing tab: %w", err)
	}
	auth, err := sess.tab.AuthState(ctx, sess.profile)
	if err != nil {
		return fmt.Errorf("checking login state: %w", err)
	}
	if auth == extract.AuthPending {
		q.SkipSource(sess.cfg.Name)
		r.loginPending(ctx, cc, sess, "session expired")
	}
	return nil
}

func (r *Runner) discoverChannels(ctx context.Context, cc *cycle, sess *session, q *scheduler.Queue) error {
	if err := r.limiter(sess.cfg.Name).Wait(ctx); err != nil {
		return err
	}
	found, err := sess.tab.Discover(ctx, sess.cfg.BaseURL, sess.profile)
	if err != nil {
		return fmt.Errorf("discovering channels: %w", err)
	}

	disabled := make(map[string]bool)
	for _, ch := range sess.cfg.Channels {
		if !ch.IsEnabled() {
			disabled[ch.Key()] = true
		}
	}

	added := 0
	for _, dc := range found {
		key := dc.ExternalID
		if key == "" {
			key = dc.URL
		}
		if key == "" || dc.URL == "" || disabled[key] || disabled[dc.URL] {
			continue
		}
		id, err := r.store.UpsertChannel(ctx, store.ChannelInput{
			SourceID:   sess.sourceID,
			ExternalID: key,
			Name:       dc.Name,
			URL:        dc.URL,
			Metadata:   dc.Metadata,
		})
		if errors.Is(err, store.ErrConflict) {
			r.conflict(ctx, cc, sess, nil, key, err)
			continue
		}
		if err != nil {
			return fmt.Errorf("registering channel %s: %w", key, err)
		}
		if q.HasChannel(id) {
			continue
		}
		cp, err := r.channelPlan(ctx, id, dc.Name, dc.URL)
		if err != nil {
			return err
		}
		q.Push(scheduler.SyncTask(sess.cfg.Name, cp))
		added++
	}

	r.event(ctx, cc, store.EventChannelsFound, &sess.sourceID, nil, map[string]any{
		"found":  len(found),
		"queued": added,
	})
	r.logger.Info("discovered channels", "source", sess.cfg.Name, "found", len(found), "queued", added)
	return nil
}

func (r *Runner) checkNotifications(ctx context.Context, sess *session, q *scheduler.Queue) error {
	urls, err := sess.tab.Unread(ctx, sess.profile)
	if err != nil {
		return fmt.Errorf("reading unread badges: %w", err)
	}
	if n := q.MarkUnread(sess.cfg.Name, urls); n > 0 {
		r.logger.Info("prioritized unread channels", "source", sess.cfg.Name, "channels", n)
	}
	return nil
}

// loginPending records at most one source.login_pending event per source per cycle.
func (r *Runner) loginPending(ctx context.Context, cc *cycle, sess *session, reason string) {
	if cc.loginPending[sess.cfg.Name] {
		return
	}
	cc.loginPending[sess.cfg.Name] = true
	cc.sum.LoginPending = append(cc.sum.LoginPending, sess.cfg.Name)

	r.logger.Warn("login required; authenticate in the browser tab",
		"source", sess.cfg.Name, "reason", reason)
	r.event(ctx, cc, store.EventLoginPending, &sess.sourceID, nil, map[string]any{
		"source": sess.cfg.Name,
		"reason": reason,
	})
}

func (r *Runner) taskFailed(ctx context.Context, cc *cycle, q *scheduler.Queue, t scheduler.Task, err error) {
	sess := cc.sessions[t.Source]

	if errors.Is(err, extract.ErrAuthRequired) && sess != nil {
		q.SkipSource(t.Source)
		r.loginPending(ctx, cc, sess, err.Error())
		return
	}

	cc.sum.Errors++
	var sourceID, channelID *int64
	if sess != nil {
		sourceID = &sess.sourceID
	}
	if t.ChannelID != 0 {
		channelID = &t.ChannelID
	}
	r.event(ctx, cc, store.EventTaskFailed, sourceID, channelID, map[string]any{
		"task":      t.String(),
		"kind":      string(t.Kind),
		"error":     err.Error(),
		"transient": extract.IsTransient(err),
	})
}

func (r *Runner) conflict(ctx context.Context, cc *cycle, sess *session, channelID *int64, key string, err error) {
	cc.sum.Conflicts++
	r.logger.Warn("store conflict", "source", sess.cfg.Name, "key", key, "error", err)
	r.event(ctx, cc, store.EventStoreConflict, &sess.sourceID, channelID, map[string]any{
		"key":   key,
		"error": err.Error(),
	})
}

func (r *Runner) interrupted(ctx context.Context, cc *cycle, stage string) {
	r.logger.Info("cycle interrupted", "stage", stage)
	r.event(ctx, cc, store.EventCycleInterrupted, nil, nil, map[string]any{"stage": stage})
}

// event appends an audit event tagged with the cycle id. Failures are logged,
// never returned: losing an audit row must not fail a task.
func (r *Runner) event(ctx context.Context, cc *cycle, typ string, sourceID, channelID *int64, payload map[string]any) {
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["cycle_id"] = cc.id

	// Events written while shutting down must still land.
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := r.store.RecordEvent(ectx, &store.Event{
		Type:      typ,
		SourceID:  sourceID,
		ChannelID: channelID,
		Payload:   payload,
	})
	if err != nil {
		r.logger.Error("recording event", "type", typ, "error", err)
	}
}

func (r *Runner) taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := r.cfg.Scrape.TaskTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// recordTransition records a mode change.
func (r *Runner) recordTransition(ctx context.Context, cc *cycle, sess *session, channelID int64, tr syncstate.Transition) {
	cc.sum.ModeChanges++
	r.metrics.ModeChanged(string(tr.To))
	r.event(ctx, cc, store.EventModeChanged, &sess.sourceID, &channelID, map[string]any{
		"from":   string(tr.From),
		"to":     string(tr.To),
		"reason": tr.Reason,
	})
}
