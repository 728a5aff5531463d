// ABOUTME: Cycle runner wiring the store, sync state machine, scheduler, and browser
// ABOUTME: Exposes RunCycle, RunOnce, the looping Run, and Shutdown

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/thoth/internal/config"
	"github.com/2389/thoth/internal/dedupe"
	"github.com/2389/thoth/internal/extract"
	"github.com/2389/thoth/internal/metrics"
	"github.com/2389/thoth/internal/selectors"
	"github.com/2389/thoth/internal/store"
	"github.com/2389/thoth/internal/supervise"
	"github.com/2389/thoth/internal/syncstate"
	"github.com/2389/thoth/internal/threads"
)

// Store is everything the runner needs from persistence.
type Store interface {
	store.Store
	threads.Store
	ListChannels(ctx context.Context, sourceID int64) ([]*store.Channel, error)
}

var _ Store = (*store.SQLiteStore)(nil)

// errSupervisorLost stops a drain when the supervising parent exits.
var errSupervisorLost = errors.New("supervising parent exited")

// dedupeCacheSize bounds the fingerprint cache.
const dedupeCacheSize = 50_000

// Deps are the collaborators a Runner drives.
type Deps struct {
	Store    Store
	Browser  extract.Browser
	Registry *selectors.Registry
	Parent   *supervise.Parent // nil when unsupervised
	Metrics  *metrics.Metrics  // nil disables metrics
	// Location interprets zone-less and relative timestamps. Defaults to time.Local.
	Location *time.Location
}

// Runner executes sync cycles. It is driven by a single goroutine.
type Runner struct {
	cfg        *config.Config
	store      Store
	browser    extract.Browser
	registry   *selectors.Registry
	parent     *supervise.Parent
	metrics    *metrics.Metrics
	machine    *syncstate.Machine
	normalizer *extract.Normalizer
	dedupe     *dedupe.Cache
	logger     *slog.Logger

	limiters map[string]*rate.Limiter
	opened   map[string]bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Runner for cfg.
func New(cfg *config.Config, deps Deps) (*Runner, error) {
	if deps.Store == nil {
		return nil, errors.New("runner: store is required")
	}
	if deps.Browser == nil {
		return nil, errors.New("runner: browser is required")
	}
	if deps.Registry == nil {
		deps.Registry = selectors.NewRegistry()
	}

	for _, src := range cfg.Sources {
		if len(src.Selectors) == 0 {
			continue
		}
		if err := deps.Registry.SetOverrides(src.Name, src.Selectors); err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
	}

	policy := syncstate.Policy{
		IdleCyclesBeforeBackfill: cfg.Scrape.IdleCyclesBeforeBackfill,
		IdleCyclesBeforeRecent:   cfg.Scrape.IdleCyclesBeforeRecent,
	}

	return &Runner{
		cfg:        cfg,
		store:      deps.Store,
		browser:    deps.Browser,
		registry:   deps.Registry,
		parent:     deps.Parent,
		metrics:    deps.Metrics,
		machine:    syncstate.New(deps.Store, policy),
		normalizer: extract.NewNormalizer(deps.Location),
		dedupe:     dedupe.New(cfg.Scrape.DedupeTTL, dedupeCacheSize),
		logger:     slog.Default().With("component", "runner"),
		limiters:   make(map[string]*rate.Limiter),
		opened:     make(map[string]bool),
		now:        time.Now,
		sleep:      sleepCtx,
	}, nil
}

// RunOnce runs exactly one cycle. A cycle that would continue reports done.
func (r *Runner) RunOnce(ctx context.Context) Outcome {
	out := r.RunCycle(ctx)
	if out.Status == StatusContinue {
		out.Status = StatusDone
	}
	return out
}

// Run repeats cycles separated by loopDelay until a cycle reports anything
// other than continue or ctx is done. The wait between cycles ends early
// when the browser window closes or the parent exits.
func (r *Runner) Run(ctx context.Context, loopDelay time.Duration) Outcome {
	var gone <-chan struct{}
	if r.parent != nil {
		gone = r.parent.Watch(ctx, r.cfg.Supervision.PollInterval)
	}

	for {
		out := r.RunCycle(ctx)
		if out.Status != StatusContinue {
			return out
		}

		r.logger.Info("sync cycle complete", "cycle_id", out.Summary.CycleID, "sleep", loopDelay)

		timer := time.NewTimer(loopDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Status: StatusDone, Summary: out.Summary, Err: ctx.Err()}
		case <-r.browser.Closed():
			timer.Stop()
			return Outcome{Status: StatusBrowserClosed, Summary: out.Summary, Err: extract.ErrBrowserClosed}
		case <-gone:
			timer.Stop()
			return Outcome{Status: StatusSupervisorLost, Summary: out.Summary, Err: errSupervisorLost}
		case <-timer.C:
		}
	}
}

// Shutdown releases the browser and the dedupe cache. It is safe to call
// more than once.
func (r *Runner) Shutdown() error {
	r.shutdownOnce.Do(func() {
		r.dedupe.Close()
		if err := r.browser.Close(); err != nil {
			r.shutdownErr = fmt.Errorf("closing browser: %w", err)
		}
	})
	return r.shutdownErr
}

// limiter paces navigation for one source.
func (r *Runner) limiter(source string) *rate.Limiter {
	l, ok := r.limiters[source]
	if !ok {
		limit := rate.Inf
		if d := r.cfg.Scrape.NavigationInterval; d > 0 {
			limit = rate.Every(d)
		}
		l = rate.NewLimiter(limit, 1)
		r.limiters[source] = l
	}
	return l
}

func (r *Runner) browserClosed() bool {
	select {
	case <-r.browser.Closed():
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
