package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"zapdesk/pkg/bus"
)

// Frame is one push message received from the gateway.
type Frame struct {
	Event bus.EventType   `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ActionResult mirrors the management API's JSON bodies.
type ActionResult struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// Text returns the human readable part of the result.
func (r ActionResult) Text() string {
	switch {
	case r.Error != "" && r.Details != "":
		return r.Error + ": " + r.Details
	case r.Error != "":
		return r.Error
	default:
		return r.Message
	}
}

// Client talks to a running gateway over HTTP and its push websocket.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

func NewClient(baseURL string) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("gateway url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("gateway url must be http or https, got %q", parsed.Scheme)
	}

	return &Client{
		baseURL: trimmed,
		http:    &http.Client{Timeout: 30 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func (c *Client) Connect(ctx context.Context) (ActionResult, error) {
	return c.post(ctx, "/connect", nil)
}

func (c *Client) Disconnect(ctx context.Context) (ActionResult, error) {
	return c.post(ctx, "/disconnect", nil)
}

func (c *Client) Send(ctx context.Context, number string, message string) (ActionResult, error) {
	return c.post(ctx, "/send", map[string]string{"number": number, "message": message})
}

func (c *Client) post(ctx context.Context, path string, body any) (ActionResult, error) {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			return ActionResult{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return ActionResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ActionResult{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	var result ActionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ActionResult{}, fmt.Errorf("decode %s response: %w", path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return result, fmt.Errorf("%s", result.Text())
	}
	return result, nil
}

// Subscribe opens the push stream. The returned channel closes when the
// stream ends or ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context) (<-chan Frame, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial push stream: %w", err)
	}

	frames := make(chan Frame, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(frames)
		defer conn.Close()
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, nil
}
