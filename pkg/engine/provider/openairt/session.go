package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/engine/errs"
	"github.com/voicebridge/voicebridge/pkg/engine/provider"
)

// serverEvent is the superset of realtime wire events the adapter consumes.
type serverEvent struct {
	Type string `json:"type"`

	Delta string `json:"delta,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`

	// response.function_call_arguments.done
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Response *struct {
		Status string `json:"status,omitempty"`
	} `json:"response,omitempty"`
}

type session struct {
	ws     *websocket.Conn
	cfg    provider.SessionConfig
	logger *slog.Logger

	events chan provider.Event

	writeMu sync.Mutex

	mu             sync.Mutex
	responseActive bool
	wireToRegistry map[string]string

	closed   sync.Once
	closedCh chan struct{}
}

func newSession(ws *websocket.Conn, cfg provider.SessionConfig, logger *slog.Logger) *session {
	return &session{
		ws:             ws,
		cfg:            cfg,
		logger:         logger,
		events:         make(chan provider.Event, 64),
		wireToRegistry: make(map[string]string, len(cfg.Tools)),
		closedCh:       make(chan struct{}),
	}
}

func (s *session) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.ws.WriteJSON(v); err != nil {
		return errs.New(errs.KindTransport, "openairt.send", err)
	}
	return nil
}

// configure pushes the session.update that binds instructions, voice, audio
// formats, server VAD, and the sanitized tool schemas.
func (s *session) configure() error {
	tools := make([]map[string]any, 0, len(s.cfg.Tools))
	for _, t := range s.cfg.Tools {
		wire := toWireName(t.Name)
		s.wireToRegistry[wire] = t.Name
		entry := map[string]any{
			"type":        "function",
			"name":        wire,
			"description": t.Description,
		}
		if len(t.Parameters) > 0 {
			entry["parameters"] = json.RawMessage(t.Parameters)
		}
		tools = append(tools, entry)
	}

	instructions := expandTemplate(s.cfg.Instructions, s.cfg.TemplateVars)
	update := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":        instructions,
			"voice":               s.cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection":      map[string]any{"type": "server_vad"},
			"tools":               tools,
			"modalities":          []string{"audio", "text"},
		},
	}
	if err := s.send(update); err != nil {
		return errs.New(errs.KindProviderProtocol, "openairt.configure", err)
	}
	return nil
}

func (s *session) requestGreeting(greeting string) error {
	return s.send(map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"instructions": "Greet the caller: " + greeting,
		},
	})
}

func (s *session) PushAudio(frame []byte) error {
	return s.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(frame),
	})
}

func (s *session) Events() <-chan provider.Event { return s.events }

func (s *session) SendToolResult(ctx context.Context, invocationID string, result provider.ToolResult) error {
	output := string(result.Payload)
	if result.Summary != "" {
		output = result.Summary
		if len(result.Payload) > 0 {
			output = string(result.Payload) + "\n" + result.Summary
		}
	}
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": invocationID,
			"output":  output,
		},
	}
	if err := s.send(item); err != nil {
		return err
	}
	return s.send(map[string]any{"type": "response.create"})
}

func (s *session) SendText(ctx context.Context, text string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := s.send(item); err != nil {
		return err
	}
	return s.send(map[string]any{"type": "response.create"})
}

func (s *session) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.closedCh)
		err = s.ws.Close()
	})
	return err
}

func (s *session) emit(ev provider.Event) {
	select {
	case s.events <- ev:
	case <-s.closedCh:
	}
}

// readLoop translates wire events into the normalized event set until the
// socket errors or the session closes.
func (s *session) readLoop() {
	defer close(s.events)
	for {
		var ev serverEvent
		if err := s.ws.ReadJSON(&ev); err != nil {
			select {
			case <-s.closedCh:
			default:
				s.emit(&provider.SessionErrorEvent{Err: errs.New(errs.KindTransport, "openairt.read", err)})
			}
			return
		}
		s.dispatch(ev)
	}
}

func (s *session) dispatch(ev serverEvent) {
	switch ev.Type {
	case "response.created":
		s.mu.Lock()
		s.responseActive = true
		s.mu.Unlock()
		s.emit(&provider.TurnStartedEvent{})

	case "response.done":
		s.mu.Lock()
		s.responseActive = false
		s.mu.Unlock()
		s.emit(&provider.TurnEndedEvent{})

	case "response.audio.delta":
		raw, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			s.logger.Warn("dropping undecodable audio delta", "error", err)
			return
		}
		s.emit(&provider.AudioDeltaEvent{Audio: raw})

	case "response.audio_transcript.delta", "response.text.delta":
		s.emit(&provider.TextDeltaEvent{Text: ev.Delta})

	case "conversation.item.input_audio_transcription.delta":
		s.emit(&provider.TextDeltaEvent{Text: ev.Delta, Transcript: true})

	case "input_audio_buffer.speech_started":
		// Barge-in. The backend cancels its own response; the platform must
		// only flush local playback, never send a cancel of its own.
		s.mu.Lock()
		active := s.responseActive
		s.mu.Unlock()
		if active {
			s.emit(&provider.InterruptedEvent{})
		}

	case "response.function_call_arguments.done":
		name := ev.Name
		s.mu.Lock()
		if registry, ok := s.wireToRegistry[name]; ok {
			name = registry
		}
		s.mu.Unlock()
		args := json.RawMessage(ev.Arguments)
		if strings.TrimSpace(ev.Arguments) == "" {
			args = json.RawMessage("{}")
		}
		s.emit(&provider.ToolCallEvent{
			InvocationID: ev.CallID,
			Name:         name,
			Arguments:    args,
		})

	case "error":
		msg := "unknown provider error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		s.emit(&provider.SessionErrorEvent{
			Err: errs.Newf(errs.KindProviderProtocol, "openairt.event", "%s", msg),
		})
	}
}

// expandTemplate substitutes ${key} occurrences from vars.
func expandTemplate(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	for k, v := range vars {
		text = strings.ReplaceAll(text, "${"+k+"}", v)
	}
	return text
}
