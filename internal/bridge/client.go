// ABOUTME: Newline-delimited JSON RPC client for the out-of-process browser helper
// ABOUTME: Correlates responses by id and surfaces window_closed notifications

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/thoth/internal/extract"
)

// maxLineSize bounds a single response line. Extraction results for a long
// channel view can run to several megabytes.
const maxLineSize = 32 << 20

// Error codes sent by the helper.
const (
	CodeSelectorMiss = "selector_miss"
	CodeTimeout      = "navigation_timeout"
	CodeAuthRequired = "auth_required"
	CodeClosed       = "browser_closed"
)

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
}

// RemoteError is an error reported by the helper.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("browser helper: %s: %s", e.Code, e.Message)
}

// Unwrap maps helper error codes onto the extraction error taxonomy.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeSelectorMiss:
		return extract.ErrSelectorMiss
	case CodeTimeout:
		return extract.ErrNavigationTimeout
	case CodeAuthRequired:
		return extract.ErrAuthRequired
	case CodeClosed:
		return extract.ErrBrowserClosed
	}
	return nil
}

// Client speaks the helper protocol over a reader/writer pair.
type Client struct {
	w      io.Writer
	wmu    sync.Mutex
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan response
	err     error // set once the read loop ends

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	logger *slog.Logger
}

// NewClient starts reading responses from r. Requests are written to w.
func NewClient(r io.Reader, w io.Writer) *Client {
	c := &Client{
		w:       w,
		pending: make(map[uint64]chan response),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "bridge"),
	}
	go c.readLoop(r)
	return c
}

// Closed is closed when the helper reports the window closed or exits.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Done is closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) readLoop(r io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("discarding malformed helper line", "error", err)
			continue
		}

		if resp.Event != "" {
			c.handleEvent(resp.Event)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown request", "id", resp.ID)
			continue
		}
		ch <- resp
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.logger.Info("browser helper stream ended", "error", err)

	c.mu.Lock()
	c.err = fmt.Errorf("helper stream ended: %w: %w", err, extract.ErrBrowserClosed)
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.markClosed()
}

func (c *Client) handleEvent(event string) {
	switch event {
	case "window_closed":
		c.logger.Info("browser window closed by user")
		c.markClosed()
	default:
		c.logger.Debug("ignoring helper event", "event", event)
	}
}

// Call sends a request and decodes the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("encoding %s request: %w", method, err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	_, err = c.w.Write(data)
	c.wmu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("writing %s request: %w: %w", method, err, extract.ErrBrowserClosed)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return err
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// ErrNotRunning is returned when the helper process could not be started.
var ErrNotRunning = errors.New("browser helper not running")
