package bargein

import (
	"log/slog"
	"sync"
	"time"
)

// Mode is the per-call interruption mode, fixed at provisioning from the
// provider's turn-detection ownership flag.
type Mode int

const (
	// ModeProviderOwned reacts only to the adapter's Interrupted events.
	ModeProviderOwned Mode = iota
	// ModeLocalFallback runs the energy VAD over inbound frames.
	ModeLocalFallback
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeProviderOwned:
		return "provider_owned"
	case ModeLocalFallback:
		return "local_fallback"
	default:
		return "unknown"
	}
}

// TriggerSource records what caused a barge-in flush.
type TriggerSource string

const (
	SourceProviderEvent    TriggerSource = "provider_event"
	SourceLocalVADFallback TriggerSource = "local_vad_fallback"
)

// Trigger is one barge-in occurrence, kept for observability.
type Trigger struct {
	Source TriggerSource
	At     time.Time
}

// Playback is the arbitrator's view of the outbound pipeline. Flush is the
// single safe interruption action; the arbitrator never touches the
// provider's session.
type Playback interface {
	// Flush stops and discards pending outbound audio.
	Flush()
	// Active reports whether outbound playback is currently audible.
	Active() bool
}

// Arbitrator holds one call's barge-in state. Mutated only by the call's
// pumps; the orchestrator reads trigger records through it.
type Arbitrator struct {
	mode     Mode
	playback Playback
	vad      *EnergyVAD
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	onTrigger func(Trigger)

	mu             sync.Mutex
	mediaConfirmed bool
	otherSources   int
	lastTrigger    *Trigger
	cooldownUntil  time.Time
}

// Options tune the arbitrator.
type Options struct {
	Cooldown time.Duration
	VAD      *EnergyVAD
	// OnTrigger receives each flush for the metrics surface.
	OnTrigger func(Trigger)
}

// New creates a per-call arbitrator.
func New(mode Mode, playback Playback, logger *slog.Logger, opts Options) *Arbitrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = 1500 * time.Millisecond
	}
	if opts.VAD == nil {
		opts.VAD = DefaultEnergyVAD()
	}
	return &Arbitrator{
		mode:      mode,
		playback:  playback,
		vad:       opts.VAD,
		cooldown:  opts.Cooldown,
		logger:    logger,
		now:       time.Now,
		onTrigger: opts.OnTrigger,
	}
}

// Mode returns the call's interruption mode.
func (a *Arbitrator) Mode() Mode { return a.mode }

// MediaConfirmed marks that at least one inbound audio frame has been seen.
// The local fallback never fires before this.
func (a *Arbitrator) MediaConfirmed() {
	a.mu.Lock()
	a.mediaConfirmed = true
	a.mu.Unlock()
}

// AddAudioSource marks a concurrent non-caller audio source (hold music,
// telephony announcement) active on the channel. While any is active, the
// local fallback must not mistake it for caller speech.
func (a *Arbitrator) AddAudioSource() {
	a.mu.Lock()
	a.otherSources++
	a.mu.Unlock()
}

// RemoveAudioSource clears one concurrent audio source.
func (a *Arbitrator) RemoveAudioSource() {
	a.mu.Lock()
	if a.otherSources > 0 {
		a.otherSources--
	}
	a.mu.Unlock()
}

// HandleProviderInterrupt reacts to an adapter Interrupted event. Flush-only:
// the provider already owns the turn decision and must not receive a cancel
// from the platform.
func (a *Arbitrator) HandleProviderInterrupt() {
	if a.mode != ModeProviderOwned {
		a.logger.Warn("provider interrupt event in local-fallback mode, flushing anyway")
	}
	a.trigger(SourceProviderEvent)
}

// ObserveInbound feeds one inbound PCM16 frame to the local fallback. The
// frame is always forwarded to the provider by the caller regardless of the
// outcome here; this method only decides whether to flush local playback.
func (a *Arbitrator) ObserveInbound(pcm []byte) {
	if a.mode != ModeLocalFallback {
		return
	}
	onset := a.vad.Observe(pcm)
	if !onset {
		return
	}

	a.mu.Lock()
	permitted := a.mediaConfirmed && a.otherSources == 0
	a.mu.Unlock()
	if !permitted || !a.playback.Active() {
		return
	}
	a.trigger(SourceLocalVADFallback)
}

func (a *Arbitrator) trigger(source TriggerSource) {
	now := a.now()
	a.mu.Lock()
	if now.Before(a.cooldownUntil) {
		a.mu.Unlock()
		return
	}
	t := Trigger{Source: source, At: now}
	a.lastTrigger = &t
	a.cooldownUntil = now.Add(a.cooldown)
	a.mu.Unlock()

	a.playback.Flush()
	a.logger.Info("barge-in flush", "source", string(source))
	if a.onTrigger != nil {
		a.onTrigger(t)
	}
}

// LastTrigger returns the most recent barge-in record, if any.
func (a *Arbitrator) LastTrigger() (Trigger, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastTrigger == nil {
		return Trigger{}, false
	}
	return *a.lastTrigger, true
}
