// ABOUTME: Scripted in-memory Browser and Tab for tests of the sync engine
// ABOUTME: Channels are modeled as pages of records indexed by scroll depth

package extracttest

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/2389/thoth/internal/extract"
	"github.com/2389/thoth/internal/selectors"
)

// Browser is a fake extract.Browser.
type Browser struct {
	mu        sync.Mutex
	tabs      map[string]*Tab
	tabErrs   map[string]error
	closed    chan struct{}
	closeOnce sync.Once
	Closes    int
}

// NewBrowser creates an empty fake browser.
func NewBrowser() *Browser {
	return &Browser{
		tabs:    make(map[string]*Tab),
		tabErrs: make(map[string]error),
		closed:  make(chan struct{}),
	}
}

// AddTab registers the tab returned for a source.
func (b *Browser) AddTab(source string) *Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &Tab{
		Auth:  extract.AuthOK,
		Pages: make(map[string][][]extract.RawRecord),
		Fail:  make(map[string]error),
	}
	b.tabs[source] = t
	return t
}

// FailTab makes Tab return err for a source.
func (b *Browser) FailTab(source string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tabErrs[source] = err
}

// CloseWindow simulates the user closing the browser window.
func (b *Browser) CloseWindow() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Tab implements extract.Browser.
func (b *Browser) Tab(ctx context.Context, src extract.SourceInfo) (extract.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.tabErrs[src.Name]; err != nil {
		return nil, err
	}
	t, ok := b.tabs[src.Name]
	if !ok {
		return nil, fmt.Errorf("no tab scripted for %s", src.Name)
	}
	return t, nil
}

// Closed implements extract.Browser.
func (b *Browser) Closed() <-chan struct{} {
	return b.closed
}

// Close implements extract.Browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	b.Closes++
	b.mu.Unlock()
	return nil
}

// Tab is a fake extract.Tab. Pages[url][d] is the set of records rendered
// after scrolling d steps up from the bottom; scrolling past the last page
// keeps showing it.
type Tab struct {
	mu sync.Mutex

	Auth       extract.AuthState
	AuthErr    error
	ProbeErr   error
	UnreadURLs []string
	Channels   []extract.DiscoveredChannel
	Pages      map[string][][]extract.RawRecord
	// Fail maps a channel URL to the error Open returns for it.
	Fail map[string]error
	// BeforeMessages, when set, runs before every Messages call.
	BeforeMessages func(ctx context.Context, url string) error

	Opened       []string
	ScrollsOlder int
	Discovers    int

	current string
	depth   int
}

// SetPages scripts the pages of a channel URL, bottom first.
func (t *Tab) SetPages(url string, pages ...[]extract.RawRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Pages[url] = pages
}

// Open implements extract.Tab.
func (t *Tab) Open(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Opened = append(t.Opened, url)
	if err := t.Fail[url]; err != nil {
		return err
	}
	t.current = url
	t.depth = 0
	return nil
}

// AuthState implements extract.Tab.
func (t *Tab) AuthState(ctx context.Context, profile selectors.Profile) (extract.AuthState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Auth, t.AuthErr
}

// Probe implements extract.Tab.
func (t *Tab) Probe(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ProbeErr
}

// Unread implements extract.Tab.
func (t *Tab) Unread(ctx context.Context, profile selectors.Profile) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.UnreadURLs...), nil
}

// Discover implements extract.Tab.
func (t *Tab) Discover(ctx context.Context, baseURL string, profile selectors.Profile) ([]extract.DiscoveredChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Discovers++
	return append([]extract.DiscoveredChannel(nil), t.Channels...), nil
}

// Messages implements extract.Tab.
func (t *Tab) Messages(ctx context.Context, profile selectors.Profile) iter.Seq2[extract.RawRecord, error] {
	return func(yield func(extract.RawRecord, error) bool) {
		t.mu.Lock()
		url := t.current
		hook := t.BeforeMessages
		t.mu.Unlock()

		if hook != nil {
			if err := hook(ctx, url); err != nil {
				yield(extract.RawRecord{}, err)
				return
			}
		}

		t.mu.Lock()
		pages := t.Pages[url]
		var records []extract.RawRecord
		if len(pages) > 0 {
			d := t.depth
			if d >= len(pages) {
				d = len(pages) - 1
			}
			records = append(records, pages[d]...)
		}
		t.mu.Unlock()

		if len(pages) == 0 {
			yield(extract.RawRecord{}, fmt.Errorf("%s: %w", url, extract.ErrSelectorMiss))
			return
		}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				yield(extract.RawRecord{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// ScrollToRecent implements extract.Tab.
func (t *Tab) ScrollToRecent(ctx context.Context, profile selectors.Profile) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.depth = 0
	return ctx.Err()
}

// ScrollOlder implements extract.Tab.
func (t *Tab) ScrollOlder(ctx context.Context, profile selectors.Profile, pixels int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.depth++
	t.ScrollsOlder++
	return ctx.Err()
}

var (
	_ extract.Browser = (*Browser)(nil)
	_ extract.Tab     = (*Tab)(nil)
)
