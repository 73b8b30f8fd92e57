// Package provider defines the uniform contract every conversational-AI
// backend integration implements, hiding differences in session setup,
// audio framing, turn-detection ownership, and tool-call event shape.
package provider

import (
	"context"
	"encoding/json"

	"github.com/voicebridge/voicebridge/pkg/engine/audio"
)

// TurnDetection declares which party decides when the caller has started or
// stopped speaking. It is a static per-provider capability, not a runtime
// negotiation.
type TurnDetection int

const (
	// TurnDetectionProvider means the backend runs native VAD and emits an
	// explicit Interrupted event on barge-in.
	TurnDetectionProvider TurnDetection = iota
	// TurnDetectionNone means the backend emits no interruption events and
	// the platform's local VAD fallback owns barge-in.
	TurnDetectionNone
)

// String returns a human-readable ownership name.
func (t TurnDetection) String() string {
	switch t {
	case TurnDetectionProvider:
		return "provider"
	case TurnDetectionNone:
		return "none"
	default:
		return "unknown"
	}
}

// Capabilities are an adapter's static properties.
type Capabilities struct {
	TurnDetection TurnDetection
	// InputFormat is the format the adapter expects from PushAudio.
	InputFormat audio.Format
	// OutputFormat is the format the adapter declares for its audio deltas.
	// The transport verifies this against what the backend actually emits.
	OutputFormat audio.Format
}

// ToolSchema is one callable capability as advertised to a backend.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// SessionConfig is the per-call configuration for starting a provider
// session. The engine receives it already resolved; adapters may reject
// unsupported combinations with a provider-protocol error.
type SessionConfig struct {
	CallID       string
	Model        string
	Instructions string
	Voice        string
	Greeting     string
	Tools        []ToolSchema
	// TemplateVars are threaded into instruction templates (for example the
	// outbound campaign's outcome classification).
	TemplateVars map[string]string
}

// ToolResult is the canonical result shape handed back to an adapter for
// translation into its wire protocol.
type ToolResult struct {
	Payload json.RawMessage
	Summary string
	IsError bool
}

// Session is a live handle to one backend conversation, one-to-one with a
// call session.
type Session interface {
	// PushAudio forwards one caller audio frame, already in the adapter's
	// input format. Frames are delivered in arrival order.
	PushAudio(frame []byte) error
	// Events yields the session's event sequence. The channel closes after
	// a SessionError or Close.
	Events() <-chan Event
	// SendToolResult returns a tool outcome for a prior ToolCall event.
	SendToolResult(ctx context.Context, invocationID string, result ToolResult) error
	// SendText injects a user text turn (DTMF digits, campaign metadata).
	// Adapters without a text channel may drop it.
	SendText(ctx context.Context, text string) error
	// Close terminates the provider leg only. It never tears down the call
	// session; that decision belongs to the orchestrator.
	Close() error
}

// Adapter is one integrated backend.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	StartSession(ctx context.Context, cfg SessionConfig) (Session, error)
}
