// Package session owns a call from the moment its channel enters the
// application until it terminates: the per-call state machine, the pumps
// that move audio and events, and the arena registry other components use
// to look up call state by identifier.
package session

// State is the call session lifecycle state.
type State int

const (
	// StateCreated is the state at call-start event receipt.
	StateCreated State = iota
	// StateResolving determines context and provider by precedence.
	StateResolving
	// StateProvisioning opens audio bindings and the provider session.
	StateProvisioning
	// StateActive is the steady state: frames flow, barge-in is armed.
	StateActive
	// StateDraining runs the idempotent teardown.
	StateDraining
	// StateTerminated is final; no transition leaves it.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateResolving:
		return "RESOLVING"
	case StateProvisioning:
		return "PROVISIONING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Outcome classifies how a call ended, for call records and metrics.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeCallerHangup       Outcome = "caller_hangup"
	OutcomeProvisioningFailed Outcome = "provisioning_failed"
	OutcomeProviderError      Outcome = "provider_error"
	OutcomeAudioError         Outcome = "audio_error"
	OutcomeShutdown           Outcome = "shutdown"
)
