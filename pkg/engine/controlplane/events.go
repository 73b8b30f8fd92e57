// Package controlplane maintains the engine's single persistent connection
// to the telephony control plane: a websocket event stream supervised with
// reconnect/backoff, plus the imperative command surface (answer, hangup,
// redirect, play, bridge) used by the orchestrator and tools.
package controlplane

import "time"

// EventType identifies a call-lifecycle event from the control plane.
type EventType string

const (
	// EventChannelEnteredApp fires when a channel is handed to the engine.
	EventChannelEnteredApp EventType = "channel_entered_app"
	// EventChannelDestroyed fires when the telephony side tears a channel down.
	EventChannelDestroyed EventType = "channel_destroyed"
	// EventDTMFReceived fires per DTMF digit on a channel.
	EventDTMFReceived EventType = "dtmf_received"
	// EventPlaybackFinished fires when a commanded playback completes.
	EventPlaybackFinished EventType = "playback_finished"
	// EventPlaybackStarted fires when a commanded playback begins.
	EventPlaybackStarted EventType = "playback_started"
)

// Event is one control-plane message. The engine treats the protocol as
// opaque beyond these fields; collaborator-specific payload stays in Args.
type Event struct {
	Type       EventType         `json:"type"`
	ChannelID  string            `json:"channel_id"`
	Direction  string            `json:"direction,omitempty"` // inbound | outbound
	Digit      string            `json:"digit,omitempty"`
	PlaybackID string            `json:"playback_id,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
