// ABOUTME: Tests for the helper protocol client and the Browser/Tab adapters
// ABOUTME: A scripted helper answers requests over io.Pipe

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/thoth/internal/extract"
	"github.com/2389/thoth/internal/selectors"
)

type handlerFunc func(method string, params map[string]any) (any, *RemoteError)

type fakeHelper struct {
	mu      sync.Mutex
	methods []string
	out     *io.PipeWriter
	wmu     sync.Mutex
}

func (h *fakeHelper) send(v any) {
	data, _ := json.Marshal(v)
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, _ = h.out.Write(append(data, '\n'))
}

func (h *fakeHelper) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.methods...)
}

func startHelper(t *testing.T, handle handlerFunc) (*Client, *fakeHelper) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	h := &fakeHelper{out: respW}
	go func() {
		scanner := bufio.NewScanner(reqR)
		for scanner.Scan() {
			var req struct {
				ID     uint64         `json:"id"`
				Method string         `json:"method"`
				Params map[string]any `json:"params"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			h.mu.Lock()
			h.methods = append(h.methods, req.Method)
			h.mu.Unlock()

			result, rerr := handle(req.Method, req.Params)
			if result == nil && rerr == nil {
				continue // never answer
			}
			resp := map[string]any{"id": req.ID}
			if rerr != nil {
				resp["error"] = rerr
			} else {
				resp["result"] = result
			}
			h.send(resp)
		}
	}()

	c := NewClient(respR, reqW)
	t.Cleanup(func() {
		_ = respW.Close()
		_ = reqW.Close()
	})
	return c, h
}

func TestClient_CallDecodesResult(t *testing.T) {
	c, _ := startHelper(t, func(method string, params map[string]any) (any, *RemoteError) {
		return map[string]any{"echo": params["value"]}, nil
	})

	var out struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, c.Call(context.Background(), "test.echo", map[string]any{"value": "hi"}, &out))
	assert.Equal(t, "hi", out.Echo)
}

func TestClient_RemoteErrorsMapToTaxonomy(t *testing.T) {
	codes := map[string]error{
		CodeSelectorMiss: extract.ErrSelectorMiss,
		CodeTimeout:      extract.ErrNavigationTimeout,
		CodeAuthRequired: extract.ErrAuthRequired,
		CodeClosed:       extract.ErrBrowserClosed,
	}
	for code, want := range codes {
		t.Run(code, func(t *testing.T) {
			c, _ := startHelper(t, func(string, map[string]any) (any, *RemoteError) {
				return nil, &RemoteError{Code: code, Message: "boom"}
			})
			err := c.Call(context.Background(), "page.goto", nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, want)

			var remote *RemoteError
			require.True(t, errors.As(err, &remote))
			assert.Equal(t, "boom", remote.Message)
		})
	}
}

func TestClient_UnknownCodeIsPlainError(t *testing.T) {
	c, _ := startHelper(t, func(string, map[string]any) (any, *RemoteError) {
		return nil, &RemoteError{Code: "weird", Message: "?"}
	})
	err := c.Call(context.Background(), "x", nil, nil)
	require.Error(t, err)
	assert.False(t, extract.IsTransient(err))
	assert.False(t, extract.IsFatal(err))
}

func TestClient_ContextCancel(t *testing.T) {
	c, _ := startHelper(t, func(string, map[string]any) (any, *RemoteError) {
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "page.goto", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_WindowClosedEvent(t *testing.T) {
	c, h := startHelper(t, func(string, map[string]any) (any, *RemoteError) {
		return map[string]any{}, nil
	})

	select {
	case <-c.Closed():
		t.Fatal("closed before event")
	default:
	}

	h.send(map[string]any{"event": "window_closed"})

	select {
	case <-c.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("Closed() not signalled after window_closed")
	}
}

func TestClient_StreamEndFailsPending(t *testing.T) {
	c, h := startHelper(t, func(string, map[string]any) (any, *RemoteError) {
		return nil, nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Call(context.Background(), "page.goto", nil, nil) }()

	require.Eventually(t, func() bool { return len(h.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	_ = h.out.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, extract.ErrBrowserClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released")
	}

	<-c.Done()
	assert.ErrorIs(t, c.Call(context.Background(), "page.goto", nil, nil), extract.ErrBrowserClosed)
}

func TestBrowser_TabAndMessages(t *testing.T) {
	c, h := startHelper(t, func(method string, params map[string]any) (any, *RemoteError) {
		switch method {
		case "tab.open":
			return map[string]any{"tab_id": "tab-" + params["source"].(string)}, nil
		case "page.auth_state":
			return map[string]any{"state": "pending"}, nil
		case "page.extract":
			return map[string]any{"messages": []map[string]any{
				{"external_id": "1", "author": "ada", "content": "hi", "raw_timestamp": "1700000000"},
				{"author": "bob", "content": "yo", "reactions": []map[string]any{{"emoji": "👍", "count": 2}}},
			}}, nil
		case "page.discover":
			return map[string]any{"channels": []map[string]any{{"external_id": "c1", "name": "general", "url": "https://x/c1"}}}, nil
		case "browser.close":
			return map[string]any{}, nil
		}
		return map[string]any{}, nil
	})

	b := NewBrowser(c)
	ctx := context.Background()
	src := extract.SourceInfo{Name: "main", Platform: "discord", BaseURL: "https://x"}

	tab1, err := b.Tab(ctx, src)
	require.NoError(t, err)
	tab2, err := b.Tab(ctx, src)
	require.NoError(t, err)
	assert.Same(t, tab1, tab2)

	profile, _ := selectors.Builtin("discord")
	state, err := tab1.AuthState(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, extract.AuthPending, state)

	var records []extract.RawRecord
	for rec, err := range tab1.Messages(ctx, profile) {
		require.NoError(t, err)
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0].ExternalID)
	assert.Equal(t, "1700000000", records[0].Timestamp)
	assert.Equal(t, []extract.RawReaction{{Emoji: "👍", Count: 2}}, records[1].Reactions)

	channels, err := tab1.Discover(ctx, src.BaseURL, profile)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "general", channels[0].Name)

	require.NoError(t, b.Close())

	calls := h.calls()
	assert.Equal(t, 1, countOf(calls, "tab.open"))
	assert.Equal(t, 1, countOf(calls, "page.extract"))
	assert.Contains(t, calls, "browser.close")
}

func TestBrowser_MessagesIsLazy(t *testing.T) {
	c, h := startHelper(t, func(string, map[string]any) (any, *RemoteError) {
		return map[string]any{"tab_id": "t", "messages": []any{}}, nil
	})
	b := NewBrowser(c)
	ctx := context.Background()

	tab, err := b.Tab(ctx, extract.SourceInfo{Name: "main"})
	require.NoError(t, err)

	profile, _ := selectors.Builtin("slack")
	seq := tab.Messages(ctx, profile)
	assert.Equal(t, 0, countOf(h.calls(), "page.extract"))

	for range seq {
	}
	for range seq {
	}
	assert.Equal(t, 2, countOf(h.calls(), "page.extract"))
}

func countOf(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}
