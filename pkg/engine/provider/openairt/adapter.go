// Package openairt integrates an OpenAI-Realtime-style speech backend over
// websocket. The backend runs native server VAD, so turn detection is
// provider-owned: barge-in arrives as an explicit speech-started event and
// the platform's only job is to flush local playback.
package openairt

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/engine/audio"
	"github.com/voicebridge/voicebridge/pkg/engine/errs"
	"github.com/voicebridge/voicebridge/pkg/engine/provider"
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-realtime-preview"

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// wireNamePattern is the backend's function-name charset. Registry names
// outside it are sanitized on the way out and mapped back on the way in.
var wireNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Options configure the adapter.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	Logger  *slog.Logger
}

// Adapter implements provider.Adapter for the realtime websocket backend.
type Adapter struct {
	opts Options
}

// New creates the adapter.
func New(opts Options) *Adapter {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Adapter{opts: opts}
}

func (a *Adapter) Name() string { return "openai_realtime" }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		TurnDetection: provider.TurnDetectionProvider,
		InputFormat:   audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 24000, Channels: 1},
		OutputFormat:  audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 24000, Channels: 1},
	}
}

// StartSession dials the realtime websocket and configures the session. A
// protocol rejection during setup is fatal for provisioning and must not be
// downgraded to a degraded session.
func (a *Adapter) StartSession(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	model := cfg.Model
	if model == "" {
		model = a.opts.Model
	}
	u, err := url.Parse(a.opts.BaseURL)
	if err != nil {
		return nil, errs.New(errs.KindProviderProtocol, "openairt.start", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.opts.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errs.Newf(errs.KindAuth, "openairt.start", "realtime handshake rejected: %s", resp.Status)
		}
		return nil, errs.New(errs.KindTransport, "openairt.start", err)
	}

	s := newSession(ws, cfg, a.opts.Logger.With("call_id", cfg.CallID, "provider", a.Name()))
	if err := s.configure(); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go s.readLoop()
	if cfg.Greeting != "" {
		_ = s.requestGreeting(cfg.Greeting)
	}
	return s, nil
}

// toWireName sanitizes a registry tool name into the backend's charset.
func toWireName(name string) string {
	out := wireNamePattern.ReplaceAllString(name, "_")
	if len(out) > 64 {
		out = out[:64]
	}
	if out == "" {
		out = "_"
	}
	return out
}
