// ABOUTME: extract.Browser and extract.Tab implemented over the helper protocol
// ABOUTME: Spawns the helper process and maps each tab operation to one RPC method

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/2389/thoth/internal/extract"
	"github.com/2389/thoth/internal/selectors"
)

// Options configures the helper process.
type Options struct {
	Command    []string // helper executable and arguments
	ProfileDir string   // persistent browser profile, keeps logins across runs
	Headless   bool
}

// Browser is an extract.Browser backed by a helper process.
type Browser struct {
	client *Client
	cmd    *exec.Cmd
	stdin  io.Closer

	mu   sync.Mutex
	tabs map[string]*tab

	logger *slog.Logger
}

// Launch starts the helper process and asks it to open the browser.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("launching browser: %w: no helper command configured", ErrNotRunning)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating helper stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting browser helper: %w", err)
	}

	b := NewBrowser(NewClient(stdout, stdin))
	b.cmd = cmd
	b.stdin = stdin

	params := map[string]any{
		"profile_dir": opts.ProfileDir,
		"headless":    opts.Headless,
	}
	if err := b.client.Call(ctx, "browser.launch", params, nil); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	b.logger.Info("browser helper started", "pid", cmd.Process.Pid, "headless", opts.Headless)
	return b, nil
}

// NewBrowser wraps an already connected client.
func NewBrowser(c *Client) *Browser {
	return &Browser{
		client: c,
		tabs:   make(map[string]*tab),
		logger: slog.Default().With("component", "bridge"),
	}
}

// Tab implements extract.Browser.
func (b *Browser) Tab(ctx context.Context, src extract.SourceInfo) (extract.Tab, error) {
	b.mu.Lock()
	t, ok := b.tabs[src.Name]
	b.mu.Unlock()
	if ok {
		return t, nil
	}

	var result struct {
		TabID string `json:"tab_id"`
	}
	params := map[string]any{
		"source":   src.Name,
		"platform": src.Platform,
		"base_url": src.BaseURL,
	}
	if err := b.client.Call(ctx, "tab.open", params, &result); err != nil {
		return nil, fmt.Errorf("opening tab for %s: %w", src.Name, err)
	}
	if result.TabID == "" {
		return nil, fmt.Errorf("opening tab for %s: helper returned no tab id", src.Name)
	}

	t = &tab{id: result.TabID, client: b.client}
	b.mu.Lock()
	b.tabs[src.Name] = t
	b.mu.Unlock()
	return t, nil
}

// Closed implements extract.Browser.
func (b *Browser) Closed() <-chan struct{} {
	return b.client.Closed()
}

// Close asks the helper to shut down and waits briefly for it to exit.
func (b *Browser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	select {
	case <-b.client.Done():
	default:
		if err := b.client.Call(ctx, "browser.close", nil, nil); err != nil && !errors.Is(err, extract.ErrBrowserClosed) {
			b.logger.Debug("browser.close failed", "error", err)
		}
	}

	if b.stdin != nil {
		_ = b.stdin.Close()
	}
	if b.cmd == nil {
		return nil
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- b.cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			return fmt.Errorf("browser helper exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		b.logger.Warn("browser helper did not exit, killing", "pid", b.cmd.Process.Pid)
		_ = b.cmd.Process.Kill()
		return <-waitErr
	}
}

// tab implements extract.Tab by forwarding to the helper.
type tab struct {
	id     string
	client *Client
}

func (t *tab) params(extra map[string]any) map[string]any {
	p := map[string]any{"tab_id": t.id}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func (t *tab) Open(ctx context.Context, url string) error {
	return t.client.Call(ctx, "page.goto", t.params(map[string]any{"url": url}), nil)
}

func (t *tab) AuthState(ctx context.Context, profile selectors.Profile) (extract.AuthState, error) {
	var result struct {
		State extract.AuthState `json:"state"`
	}
	if err := t.client.Call(ctx, "page.auth_state", t.params(map[string]any{"selectors": profile}), &result); err != nil {
		return extract.AuthUnknown, err
	}
	switch result.State {
	case extract.AuthOK, extract.AuthPending:
		return result.State, nil
	}
	return extract.AuthUnknown, nil
}

func (t *tab) Probe(ctx context.Context) error {
	return t.client.Call(ctx, "page.probe", t.params(nil), nil)
}

func (t *tab) Unread(ctx context.Context, profile selectors.Profile) ([]string, error) {
	var result struct {
		URLs []string `json:"urls"`
	}
	if err := t.client.Call(ctx, "page.unread", t.params(map[string]any{"selectors": profile}), &result); err != nil {
		return nil, err
	}
	return result.URLs, nil
}

func (t *tab) Discover(ctx context.Context, baseURL string, profile selectors.Profile) ([]extract.DiscoveredChannel, error) {
	var result struct {
		Channels []extract.DiscoveredChannel `json:"channels"`
	}
	params := t.params(map[string]any{"base_url": baseURL, "selectors": profile})
	if err := t.client.Call(ctx, "page.discover", params, &result); err != nil {
		return nil, err
	}
	return result.Channels, nil
}

// Messages issues one page.extract call each time the sequence is ranged over.
func (t *tab) Messages(ctx context.Context, profile selectors.Profile) iter.Seq2[extract.RawRecord, error] {
	return func(yield func(extract.RawRecord, error) bool) {
		var result struct {
			Messages []extract.RawRecord `json:"messages"`
		}
		if err := t.client.Call(ctx, "page.extract", t.params(map[string]any{"selectors": profile}), &result); err != nil {
			yield(extract.RawRecord{}, err)
			return
		}
		for _, rec := range result.Messages {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (t *tab) ScrollToRecent(ctx context.Context, profile selectors.Profile) error {
	params := t.params(map[string]any{"container": profile.ScrollContainer})
	return t.client.Call(ctx, "page.scroll_recent", params, nil)
}

func (t *tab) ScrollOlder(ctx context.Context, profile selectors.Profile, pixels int) error {
	params := t.params(map[string]any{"container": profile.ScrollContainer, "pixels": pixels})
	return t.client.Call(ctx, "page.scroll_older", params, nil)
}

var (
	_ extract.Browser = (*Browser)(nil)
	_ extract.Tab     = (*tab)(nil)
)
