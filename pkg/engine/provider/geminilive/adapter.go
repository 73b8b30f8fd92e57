// Package geminilive integrates the Gemini Live API as a provider adapter.
// The backend streams audio both ways but the engine does not rely on it for
// interruption signaling: the adapter declares no turn-detection ownership,
// so the platform's local VAD fallback arbitrates barge-in. This is the
// reference integration for the platform-owned turn-taking path.
package geminilive

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/voicebridge/voicebridge/pkg/engine/audio"
	"github.com/voicebridge/voicebridge/pkg/engine/errs"
	"github.com/voicebridge/voicebridge/pkg/engine/provider"
)

const defaultModel = "gemini-2.0-flash-live-001"

// Gemini function names must start with a letter or underscore; the rest is
// letters, digits, underscore, dot, or dash, at most 63 chars.
var wireNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// Options configure the adapter.
type Options struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

// Adapter implements provider.Adapter over the Gemini Live API.
type Adapter struct {
	opts   Options
	client *genai.Client
}

// New creates the adapter and its API client.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errs.New(errs.KindProviderProtocol, "geminilive.new", err)
	}
	return &Adapter{opts: opts, client: client}, nil
}

func (a *Adapter) Name() string { return "gemini_live" }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		TurnDetection: provider.TurnDetectionNone,
		InputFormat:   audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 16000, Channels: 1},
		OutputFormat:  audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 24000, Channels: 1},
	}
}

func (a *Adapter) StartSession(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	model := cfg.Model
	if model == "" {
		model = a.opts.Model
	}

	wireToRegistry := make(map[string]string, len(cfg.Tools))
	decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		wire := toWireName(t.Name)
		wireToRegistry[wire] = t.Name
		decl := &genai.FunctionDeclaration{
			Name:        wire,
			Description: t.Description,
		}
		if len(t.Parameters) > 0 {
			var schema any
			if err := json.Unmarshal(t.Parameters, &schema); err == nil {
				decl.ParametersJsonSchema = schema
			}
		}
		decls = append(decls, decl)
	}

	connect := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if instructions := expandTemplate(cfg.Instructions, cfg.TemplateVars); instructions != "" {
		connect.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}
	if len(decls) > 0 {
		connect.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if cfg.Voice != "" {
		connect.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	live, err := a.client.Live.Connect(ctx, model, connect)
	if err != nil {
		return nil, errs.New(errs.KindProviderProtocol, "geminilive.connect", err)
	}

	s := &session{
		live:           live,
		logger:         a.opts.Logger.With("call_id", cfg.CallID, "provider", a.Name()),
		events:         make(chan provider.Event, 64),
		wireToRegistry: wireToRegistry,
		closedCh:       make(chan struct{}),
	}
	go s.receiveLoop()
	if cfg.Greeting != "" {
		_ = s.SendText(ctx, "Greet the caller: "+cfg.Greeting)
	}
	return s, nil
}

type session struct {
	live   *genai.Session
	logger *slog.Logger

	events         chan provider.Event
	wireToRegistry map[string]string

	sendMu   sync.Mutex
	closed   sync.Once
	closedCh chan struct{}
}

func (s *session) PushAudio(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: frame, MIMEType: "audio/pcm;rate=16000"},
	})
	if err != nil {
		return errs.New(errs.KindTransport, "geminilive.push_audio", err)
	}
	return nil
}

func (s *session) Events() <-chan provider.Event { return s.events }

func (s *session) SendToolResult(ctx context.Context, invocationID string, result provider.ToolResult) error {
	response := map[string]any{"summary": result.Summary}
	if len(result.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(result.Payload, &payload); err == nil {
			response["result"] = payload
		} else {
			response["result"] = string(result.Payload)
		}
	}
	if result.IsError {
		response["error"] = true
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.live.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       invocationID,
			Response: response,
		}},
	})
	if err != nil {
		return errs.New(errs.KindTransport, "geminilive.tool_result", err)
	}
	return nil
}

func (s *session) SendText(ctx context.Context, text string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.live.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: text}},
		}},
	})
	if err != nil {
		return errs.New(errs.KindTransport, "geminilive.send_text", err)
	}
	return nil
}

func (s *session) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.closedCh)
		err = s.live.Close()
	})
	return err
}

func (s *session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.closedCh:
	}
}

func (s *session) receiveLoop() {
	defer close(s.events)
	turnOpen := false
	for {
		msg, err := s.live.Receive()
		if err != nil {
			select {
			case <-s.closedCh:
			default:
				s.emit(&provider.SessionErrorEvent{Err: errs.New(errs.KindTransport, "geminilive.receive", err)})
			}
			return
		}

		if tc := msg.ToolCall; tc != nil {
			for _, fc := range tc.FunctionCalls {
				name := fc.Name
				if registry, ok := s.wireToRegistry[name]; ok {
					name = registry
				}
				args, err := json.Marshal(fc.Args)
				if err != nil {
					args = json.RawMessage("{}")
				}
				s.emit(&provider.ToolCallEvent{
					InvocationID: fc.ID,
					Name:         name,
					Arguments:    args,
				})
			}
		}

		sc := msg.ServerContent
		if sc == nil {
			continue
		}
		if sc.ModelTurn != nil {
			if !turnOpen {
				turnOpen = true
				s.emit(&provider.TurnStartedEvent{})
			}
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					s.emit(&provider.AudioDeltaEvent{Audio: part.InlineData.Data})
				}
				if part.Text != "" {
					s.emit(&provider.TextDeltaEvent{Text: part.Text})
				}
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			s.emit(&provider.TextDeltaEvent{Text: sc.OutputTranscription.Text})
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			s.emit(&provider.TextDeltaEvent{Text: sc.InputTranscription.Text, Transcript: true})
		}
		if sc.Interrupted {
			// The backend reports its generation was cut short, but this
			// adapter does not own turn detection; local barge-in already
			// flushed playback. Close the turn without emitting Interrupted.
			s.logger.Debug("backend reported interrupted generation")
		}
		if sc.TurnComplete || sc.Interrupted {
			if turnOpen {
				turnOpen = false
				s.emit(&provider.TurnEndedEvent{})
			}
		}
	}
}

func toWireName(name string) string {
	out := wireNamePattern.ReplaceAllString(name, "_")
	if out == "" {
		out = "_"
	}
	if first := out[0]; first >= '0' && first <= '9' {
		out = "_" + out
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}

func expandTemplate(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	for k, v := range vars {
		text = strings.ReplaceAll(text, "${"+k+"}", v)
	}
	return text
}
