package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/engine/errs"
)

// Config locates the control plane.
type Config struct {
	// BaseURL is the control plane's HTTP root, e.g. http://pbx:8088/api.
	BaseURL string
	// AppName is the application the event stream subscribes to.
	AppName string
	// APIKey authenticates both the event stream and commands.
	APIKey string
	// CommandTimeout bounds each imperative command.
	CommandTimeout time.Duration
}

// EventConn is one live event-stream connection.
type EventConn interface {
	// Next blocks for the next event. Errors are terminal for this
	// connection; the supervisor decides whether to reconnect.
	Next(ctx context.Context) (Event, error)
	Close() error
}

type wsEventConn struct {
	ws *websocket.Conn
}

func (c *wsEventConn) Next(ctx context.Context) (Event, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	}
	type result struct {
		ev  Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var ev Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			ch <- result{err: errs.New(errs.KindTransport, "controlplane.next", err)}
			return
		}
		ch <- result{ev: ev}
	}()
	select {
	case <-ctx.Done():
		_ = c.ws.Close()
		return Event{}, ctx.Err()
	case r := <-ch:
		return r.ev, r.err
	}
}

func (c *wsEventConn) Close() error { return c.ws.Close() }

// Client is the concrete control-plane protocol binding: websocket events
// plus HTTP commands.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a control-plane client.
func NewClient(cfg Config) *Client {
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.CommandTimeout}}
}

// Connect establishes the event-stream session.
func (c *Client) Connect(ctx context.Context) (EventConn, error) {
	wsURL, err := eventStreamURL(c.cfg)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.Newf(errs.KindAuth, "controlplane.connect", "event stream rejected credentials: %s", resp.Status)
		}
		return nil, errs.New(errs.KindTransport, "controlplane.connect", err)
	}
	return &wsEventConn{ws: ws}, nil
}

func eventStreamURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", errs.New(errs.KindTransport, "controlplane.url", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", cfg.AppName)
	q.Set("api_key", cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) command(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode command body: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.BaseURL, "/")+path, rd)
	if err != nil {
		return errs.New(errs.KindTransport, "controlplane.command", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(errs.KindTransport, "controlplane.command", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errs.Newf(errs.KindAuth, "controlplane.command", "%s %s: %s", method, path, resp.Status)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.Newf(errs.KindTransport, "controlplane.command", "%s %s: %s: %s", method, path, resp.Status, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errs.New(errs.KindTransport, "controlplane.command", err)
		}
	}
	return nil
}
