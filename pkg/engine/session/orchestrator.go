package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/pkg/engine/audio"
	"github.com/voicebridge/voicebridge/pkg/engine/bargein"
	"github.com/voicebridge/voicebridge/pkg/engine/controlplane"
	"github.com/voicebridge/voicebridge/pkg/engine/metrics"
	"github.com/voicebridge/voicebridge/pkg/engine/provider"
	"github.com/voicebridge/voicebridge/pkg/engine/tools"
)

// CallRecord is the row persisted per call when a store is configured.
type CallRecord struct {
	CallID    string
	ChannelID string
	Direction string
	Context   string
	Provider  string
	StartedAt time.Time
}

// CallStore persists call records. A nil store disables persistence.
type CallStore interface {
	BeginCall(ctx context.Context, rec CallRecord) error
	EndCall(ctx context.Context, callID string, outcome string, bargeIns int, endedAt time.Time) error
}

// Config bounds the orchestrator's timing behavior.
type Config struct {
	// ProvisionTimeout bounds transport open plus provider session start.
	ProvisionTimeout time.Duration
	// TeardownGrace bounds teardown before resources are force-closed.
	TeardownGrace time.Duration
	// BargeInCooldown suppresses repeated triggers from the same cause.
	BargeInCooldown time.Duration
	// StatsInterval paces stage-stat publication and output rate checks.
	StatsInterval time.Duration
	// FillerMediaURI, when set, is played through the control plane while a
	// slow tool runs. Only injected under platform-owned turn-taking.
	FillerMediaURI string
}

// DefaultConfig returns production timing defaults.
func DefaultConfig() Config {
	return Config{
		ProvisionTimeout: 10 * time.Second,
		TeardownGrace:    5 * time.Second,
		BargeInCooldown:  1500 * time.Millisecond,
		StatsInterval:    5 * time.Second,
	}
}

// Deps are the orchestrator's collaborators. Commander, Transport,
// Providers, Tools, and Resolver are required; Store and Metrics may be nil.
type Deps struct {
	Commander controlplane.Commander
	Transport *audio.Transport
	Providers *provider.Registry
	Tools     *tools.Gateway
	Resolver  *Resolver
	Store     CallStore
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Orchestrator creates and supervises call sessions from control-plane
// events. Sessions for different calls proceed fully in parallel; the only
// shared state is the read-only registries and the session arena.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	registry *Registry
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.ProvisionTimeout == 0 {
		cfg.ProvisionTimeout = DefaultConfig().ProvisionTimeout
	}
	if cfg.TeardownGrace == 0 {
		cfg.TeardownGrace = DefaultConfig().TeardownGrace
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = DefaultConfig().StatsInterval
	}
	return &Orchestrator{cfg: cfg, deps: deps, registry: NewRegistry()}
}

// Registry exposes the session arena for readiness and reload gating.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Run consumes control-plane events until the channel closes or ctx is
// canceled. Each call-start event spawns an independent session.
func (o *Orchestrator) Run(ctx context.Context, events <-chan controlplane.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.dispatch(ctx, ev)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev controlplane.Event) {
	switch ev.Type {
	case controlplane.EventChannelEnteredApp:
		s := o.newSession(ev)
		go s.run(ctx)

	case controlplane.EventChannelDestroyed:
		if s, ok := o.registry.Lookup(ev.ChannelID); ok {
			s.Shutdown(OutcomeCallerHangup)
		}

	case controlplane.EventDTMFReceived:
		if s, ok := o.registry.Lookup(ev.ChannelID); ok {
			s.OnDTMF(ev.Digit)
		}

	case controlplane.EventPlaybackFinished:
		if s, ok := o.registry.Lookup(ev.ChannelID); ok {
			s.OnPlaybackFinished(ev.PlaybackID)
		}
	}
}

func (o *Orchestrator) newSession(ev controlplane.Event) *Session {
	callID := uuid.NewString()
	s := &Session{
		CallID:    callID,
		ChannelID: ev.ChannelID,
		startEv:   ev,
		o:         o,
		state:     StateCreated,
		createdAt: time.Now(),
		logger: o.deps.Logger.With(
			"call_id", callID,
			"channel_id", ev.ChannelID,
		),
		toolQueue: make(chan *provider.ToolCallEvent, 16),
	}
	o.registry.add(ev.ChannelID, s)
	if o.deps.Metrics != nil {
		o.deps.Metrics.ActiveCalls.Inc()
	}
	return s
}

// arbitratorMode maps turn-detection ownership to the interruption mode.
func arbitratorMode(td provider.TurnDetection) bargein.Mode {
	if td == provider.TurnDetectionProvider {
		return bargein.ModeProviderOwned
	}
	return bargein.ModeLocalFallback
}
