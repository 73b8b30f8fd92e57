package provider

import "encoding/json"

// Event is the interface for normalized provider session events. Adapters
// translate their native wire protocol into exactly this set.
type Event interface {
	// EventType returns the event type string for logging.
	EventType() string
}

// AudioDeltaEvent carries one chunk of synthesized output audio in the
// adapter's declared output format.
type AudioDeltaEvent struct {
	Audio []byte
}

func (e *AudioDeltaEvent) EventType() string { return "audio.delta" }

// TextDeltaEvent carries incremental response or transcript text.
type TextDeltaEvent struct {
	Text string
	// Transcript marks caller-speech transcription rather than agent output.
	Transcript bool
}

func (e *TextDeltaEvent) EventType() string { return "text.delta" }

// ToolCallEvent is a normalized function-call request. Name is the registry
// name (already translated back from the adapter's wire charset).
type ToolCallEvent struct {
	InvocationID string
	Name         string
	Arguments    json.RawMessage
}

func (e *ToolCallEvent) EventType() string { return "tool.call" }

// TurnStartedEvent marks the start of an agent response turn.
type TurnStartedEvent struct{}

func (e *TurnStartedEvent) EventType() string { return "turn.started" }

// TurnEndedEvent marks the end of an agent response turn.
type TurnEndedEvent struct{}

func (e *TurnEndedEvent) EventType() string { return "turn.ended" }

// InterruptedEvent is emitted by providers that own turn detection when the
// caller talks over output. The platform's only reaction is a local
// playback flush.
type InterruptedEvent struct{}

func (e *InterruptedEvent) EventType() string { return "interrupted" }

// SessionErrorEvent terminates the provider leg. The orchestrator decides
// whether it is fatal to the call.
type SessionErrorEvent struct {
	Err error
}

func (e *SessionErrorEvent) EventType() string { return "session.error" }
