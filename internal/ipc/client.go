package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	apperrors "github.com/redditagent/bridge/internal/errors"
)

// ErrNotRunning means nothing is listening on the control socket.
var ErrNotRunning = errors.New("bridge is not running")

// DefaultClientTimeout bounds control calls that carry no deadline of their own.
const DefaultClientTimeout = 10 * time.Second

// Client calls the control API over the Unix socket.
type Client struct {
	path string
	http *http.Client
}

// errorBody mirrors the bridge's JSON error responses.
type errorBody struct {
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	NextAction string `json:"next_action"`
}

// NewClient returns a client for the socket at path. A zero timeout means
// DefaultClientTimeout; a negative one disables the client-side limit.
func NewClient(path string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultClientTimeout
	}
	if timeout < 0 {
		timeout = 0
	}
	return &Client{
		path: path,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", path)
				},
			},
		},
	}
}

// Get decodes the JSON response of GET route into out.
func (c *Client) Get(ctx context.Context, route string, out interface{}) error {
	return c.do(ctx, http.MethodGet, route, nil, out)
}

// Post sends body as JSON and decodes the response into out, if non-nil.
func (c *Client) Post(ctx context.Context, route string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, route, body, out)
}

// Delete issues DELETE route.
func (c *Client) Delete(ctx context.Context, route string) error {
	return c.do(ctx, http.MethodDelete, route, nil, nil)
}

func (c *Client) do(ctx context.Context, method, route string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+route, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isNotRunning(err) {
			return fmt.Errorf("%w (no control socket at %s)", ErrNotRunning, c.path)
		}
		return fmt.Errorf("control request %s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.ErrorCode == "" {
			return fmt.Errorf("control request %s %s: %s", method, route, resp.Status)
		}
		return apperrors.New(eb.ErrorCode, eb.Message)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", route, err)
	}
	return nil
}

func isNotRunning(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
