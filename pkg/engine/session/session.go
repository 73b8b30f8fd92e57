package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/pkg/engine/audio"
	"github.com/voicebridge/voicebridge/pkg/engine/bargein"
	"github.com/voicebridge/voicebridge/pkg/engine/controlplane"
	"github.com/voicebridge/voicebridge/pkg/engine/errs"
	"github.com/voicebridge/voicebridge/pkg/engine/playback"
	"github.com/voicebridge/voicebridge/pkg/engine/provider"
	"github.com/voicebridge/voicebridge/pkg/engine/tools"
)

// Session is one call, owned exclusively by the orchestrator for its
// lifetime. Its pumps run as independent goroutines coordinated only
// through the session's state and explicit hand-off queues.
type Session struct {
	CallID    string
	ChannelID string

	startEv   controlplane.Event
	o         *Orchestrator
	logger    *slog.Logger
	createdAt time.Time

	mu       sync.Mutex
	state    State
	outcome  Outcome
	bundle   ResolvedCall
	bargeIns int
	fillerID string

	prov     provider.Session
	source   audio.FrameSource
	pb       *playback.Pipeline
	arb      *bargein.Arbitrator
	inChain  *audio.Chain
	outChain *audio.Chain
	outProbe *audio.RateProbe

	cancel   context.CancelFunc
	teardown sync.Once
	wg       sync.WaitGroup

	toolQueue chan *provider.ToolCallEvent
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns the recorded end outcome, empty while the call is live.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// setState advances the state machine. Transitions are forward-only and
// Terminated is final.
func (s *Session) setState(next State) {
	s.mu.Lock()
	if next <= s.state || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.logger.Info("call state", "from", prev.String(), "to", next.String())
}

// Shutdown requests drain with the given outcome. The first recorded
// outcome wins; later calls only reinforce cancellation. Safe to invoke
// from any pump or the dispatcher, any number of times.
func (s *Session) Shutdown(outcome Outcome) {
	s.mu.Lock()
	if s.outcome == "" {
		s.outcome = outcome
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run executes the full lifecycle. It is the only goroutine that mutates
// the session's wiring fields; pumps read them after Active.
func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancel = cancel
	preempted := s.outcome != ""
	s.mu.Unlock()
	defer s.finish()
	if preempted {
		// Shutdown arrived before the lifecycle started, typically a
		// channel-destroyed event racing session start; drain without
		// provisioning anything.
		cancel()
		return
	}

	s.setState(StateResolving)
	bundle, err := s.o.deps.Resolver.Resolve(s.startEv)
	if err != nil {
		s.logger.Error("context resolution failed", "error", err)
		s.Shutdown(OutcomeProvisioningFailed)
		return
	}
	s.mu.Lock()
	s.bundle = bundle
	s.mu.Unlock()
	s.logger = s.logger.With("context", bundle.ContextName, "provider", bundle.ProviderName)

	s.setState(StateProvisioning)
	provisionStart := time.Now()
	pctx, pcancel := context.WithTimeout(ctx, s.o.cfg.ProvisionTimeout)
	err = s.provision(pctx)
	pcancel()
	if err != nil {
		// Provisioning never retries mid-call; straight to drain.
		s.logger.Error("provisioning failed", "error", err, "kind", errs.KindOf(err).String())
		switch errs.KindOf(err) {
		case errs.KindAudioPipeline:
			s.Shutdown(OutcomeAudioError)
		case errs.KindProviderProtocol, errs.KindAuth:
			s.Shutdown(OutcomeProviderError)
		default:
			s.Shutdown(OutcomeProvisioningFailed)
		}
		return
	}
	if m := s.o.deps.Metrics; m != nil {
		m.ProvisionSeconds.Observe(time.Since(provisionStart).Seconds())
	}
	if st := s.o.deps.Store; st != nil {
		rec := CallRecord{
			CallID:    s.CallID,
			ChannelID: s.ChannelID,
			Direction: bundle.Direction,
			Context:   bundle.ContextName,
			Provider:  bundle.ProviderName,
			StartedAt: s.createdAt,
		}
		if err := st.BeginCall(ctx, rec); err != nil {
			s.logger.Warn("call record insert failed", "error", err)
		}
	}

	s.setState(StateActive)
	s.wg.Add(3)
	go s.inboundPump(ctx)
	go s.providerPump(ctx)
	go s.toolPump(ctx)
	if s.o.cfg.StatsInterval > 0 {
		s.wg.Add(1)
		go s.statsLoop(ctx)
	}

	<-ctx.Done()
}

// provision opens the audio bindings and the provider session. Every step
// shares one bounded deadline; exceeding it is a provisioning failure, not
// an indefinite hang.
func (s *Session) provision(ctx context.Context) error {
	deps := s.o.deps
	bundle := s.bundle

	adapter, ok := deps.Providers.Lookup(bundle.ProviderName)
	if !ok {
		return errs.Newf(errs.KindProviderProtocol, "session.provision",
			"provider %q not registered", bundle.ProviderName)
	}
	caps := adapter.Capabilities()

	if bundle.Direction == "inbound" {
		if err := deps.Commander.Answer(ctx, s.ChannelID); err != nil {
			return err
		}
	}

	source, err := deps.Transport.OpenInbound(ctx, s.CallID, bundle.Binding)
	if err != nil {
		return err
	}
	sink, err := deps.Transport.OpenOutbound(ctx, s.CallID, bundle.Binding)
	if err != nil {
		return err
	}

	inChain, err := audio.NewChain(source.Format(), caps.InputFormat, s.logger)
	if err != nil {
		return err
	}
	outChain, err := audio.NewChain(caps.OutputFormat, sink.Format(), s.logger)
	if err != nil {
		return err
	}

	pb := playback.New(s.CallID, sink, s.logger, playback.Options{
		Fallback: s.fallbackPlay,
	})

	arb := bargein.New(arbitratorMode(caps.TurnDetection), pb, s.logger, bargein.Options{
		Cooldown: s.o.cfg.BargeInCooldown,
		OnTrigger: func(t bargein.Trigger) {
			s.mu.Lock()
			s.bargeIns++
			s.mu.Unlock()
			if m := s.o.deps.Metrics; m != nil {
				m.BargeInTriggers.WithLabelValues(string(t.Source)).Inc()
			}
		},
	})

	deps.Tools.Bind(s.CallID, s.ChannelID, bundle.ToolsExposed, bundle.ToolsExecutable)
	schemas := deps.Tools.SchemasFor(s.CallID)

	prov, err := adapter.StartSession(ctx, provider.SessionConfig{
		CallID:       s.CallID,
		Model:        bundle.Model,
		Instructions: bundle.Instructions,
		Voice:        bundle.Voice,
		Greeting:     bundle.Greeting,
		Tools:        schemas,
		TemplateVars: bundle.TemplateVars,
	})
	if err != nil {
		pb.Close()
		return err
	}

	s.mu.Lock()
	s.prov = prov
	s.source = source
	s.pb = pb
	s.arb = arb
	s.inChain = inChain
	s.outChain = outChain
	s.outProbe = audio.NewRateProbe(caps.OutputFormat.Encoding)
	s.mu.Unlock()

	s.logger.Info("call provisioned",
		"binding", bundle.Binding.Kind.String(),
		"turn_detection", caps.TurnDetection.String(),
		"tools_exposed", len(schemas))
	return nil
}

// inboundPump moves caller audio to the provider in arrival order, feeding
// the barge-in fallback along the way.
func (s *Session) inboundPump(ctx context.Context) {
	defer s.wg.Done()
	confirmed := false
	for {
		frame, err := s.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				s.logger.Info("caller media ended")
				s.Shutdown(OutcomeCallerHangup)
			} else {
				s.logger.Warn("inbound audio failed", "error", err)
				s.Shutdown(OutcomeAudioError)
			}
			return
		}
		if !confirmed {
			confirmed = true
			s.arb.MediaConfirmed()
		}
		pcm := s.inChain.Process(frame)
		// The frame is forwarded regardless of the barge-in outcome.
		s.arb.ObserveInbound(pcm)
		if err := s.prov.PushAudio(pcm); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("provider audio push failed", "error", err)
			s.Shutdown(OutcomeProviderError)
			return
		}
	}
}

// providerPump consumes normalized adapter events. A session error ends the
// provider leg; per policy that is fatal to the call.
func (s *Session) providerPump(ctx context.Context) {
	defer s.wg.Done()
	events := s.prov.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					s.logger.Warn("provider event stream ended")
					s.Shutdown(OutcomeProviderError)
				}
				return
			}
			switch e := ev.(type) {
			case *provider.AudioDeltaEvent:
				s.outProbe.Observe(len(e.Audio))
				s.pb.Enqueue(s.outChain.Process(e.Audio))

			case *provider.InterruptedEvent:
				s.arb.HandleProviderInterrupt()

			case *provider.ToolCallEvent:
				if s.o.deps.Tools.IsConcurrentSafe(e.Name) {
					go s.execTool(ctx, e)
					continue
				}
				select {
				case s.toolQueue <- e:
				case <-ctx.Done():
					return
				}

			case *provider.TextDeltaEvent:
				s.logger.Debug("text delta", "transcript", e.Transcript, "text", e.Text)

			case *provider.TurnStartedEvent:
				s.logger.Debug("provider turn started")

			case *provider.TurnEndedEvent:
				s.logger.Debug("provider turn ended")

			case *provider.SessionErrorEvent:
				s.logger.Error("provider session error", "error", e.Err)
				s.Shutdown(OutcomeProviderError)
				return
			}
		}
	}
}

// toolPump serializes tool execution in the order received from the
// provider; tools that declared themselves concurrent-safe bypass it.
func (s *Session) toolPump(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.toolQueue:
			s.execTool(ctx, e)
		}
	}
}

func (s *Session) execTool(ctx context.Context, e *provider.ToolCallEvent) {
	var onSlow func(time.Duration)
	if s.o.cfg.FillerMediaURI != "" && s.arb.Mode() == bargein.ModeLocalFallback {
		// Filler injection is only safe when the platform owns turn-taking;
		// a provider that streams its own audio cannot have speech injected
		// without overlap.
		onSlow = func(elapsed time.Duration) {
			s.logger.Info("tool running slow, starting filler", "tool", e.Name, "elapsed", elapsed)
			s.startFiller(ctx)
		}
	}

	res := s.o.deps.Tools.Execute(ctx, s.CallID, e.Name, e.Arguments, onSlow)
	s.stopFiller(ctx)

	err := s.prov.SendToolResult(ctx, e.InvocationID, provider.ToolResult{
		Payload: res.Payload,
		Summary: res.Summary,
		IsError: res.Status != tools.StatusOK,
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("tool result delivery failed", "tool", e.Name, "error", err)
	}
}

func (s *Session) startFiller(ctx context.Context) {
	s.mu.Lock()
	if s.fillerID != "" {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	id, err := s.o.deps.Commander.Play(ctx, s.ChannelID, s.o.cfg.FillerMediaURI)
	if err != nil {
		s.logger.Warn("filler playback failed", "error", err)
		return
	}
	s.mu.Lock()
	s.fillerID = id
	s.mu.Unlock()
	s.arb.AddAudioSource()
}

func (s *Session) stopFiller(ctx context.Context) {
	s.mu.Lock()
	id := s.fillerID
	s.mu.Unlock()
	if id == "" {
		return
	}
	if err := s.o.deps.Commander.StopPlayback(ctx, id); err != nil {
		s.logger.Debug("filler stop failed", "error", err)
	}
	s.clearFiller(id)
}

func (s *Session) clearFiller(id string) {
	s.mu.Lock()
	if s.fillerID != id {
		s.mu.Unlock()
		return
	}
	s.fillerID = ""
	s.mu.Unlock()
	s.arb.RemoveAudioSource()
}

// OnDTMF forwards a control-plane DTMF digit to the provider as text.
func (s *Session) OnDTMF(digit string) {
	s.mu.Lock()
	prov := s.prov
	s.mu.Unlock()
	if prov == nil || digit == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := prov.SendText(ctx, "The caller pressed the keypad digit: "+digit); err != nil {
		s.logger.Debug("dtmf forward failed", "error", err)
	}
}

// OnPlaybackFinished releases filler bookkeeping for a finished playback.
func (s *Session) OnPlaybackFinished(playbackID string) {
	s.clearFiller(playbackID)
}

// statsLoop publishes per-stage signal levels and reconciles the provider's
// declared output rate with what it actually emits.
func (s *Session) statsLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.o.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.publishStats("in", s.inChain)
		s.publishStats("out", s.outChain)

		observed := s.outProbe.Estimate()
		if observed > 0 && observed != s.outChain.From.SampleRateHz {
			if err := s.outChain.AlignObservedRate(observed); err != nil {
				s.logger.Error("provider output format irreconcilable", "error", err)
				s.Shutdown(OutcomeAudioError)
				return
			}
			s.outProbe.Reset()
		}
	}
}

func (s *Session) publishStats(direction string, chain *audio.Chain) {
	m := s.o.deps.Metrics
	for _, st := range chain.Stats() {
		if st.Stats.Samples == 0 {
			continue
		}
		if st.Stats.Silent() {
			s.logger.Debug("silent pipeline stage", "direction", direction, "stage", st.Stage)
		}
		if m != nil {
			m.StageRMS.WithLabelValues(s.CallID, direction, st.Stage).Set(st.Stats.RMS)
			m.StageDCOffset.WithLabelValues(s.CallID, direction, st.Stage).Set(st.Stats.DCOffset)
		}
	}
}

// fallbackPlay hands a spooled audio file to the control plane when
// streaming playback has degraded.
func (s *Session) fallbackPlay(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.arb.AddAudioSource()
	id, err := s.o.deps.Commander.Play(ctx, s.ChannelID, "sound:"+path)
	if err != nil {
		s.arb.RemoveAudioSource()
		return err
	}
	s.mu.Lock()
	s.fillerID = id
	s.mu.Unlock()
	return nil
}

// finish runs the idempotent teardown. Invoked from every exit path of run;
// cleanup beyond the grace period is force-abandoned and logged as a leak
// risk.
func (s *Session) finish() {
	s.teardown.Do(func() {
		s.setState(StateDraining)
		s.mu.Lock()
		if s.outcome == "" {
			s.outcome = OutcomeCompleted
		}
		outcome := s.outcome
		bargeIns := s.bargeIns
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.wg.Wait()
			if s.pb != nil {
				s.pb.Close()
			}
			if s.prov != nil {
				if err := s.prov.Close(); err != nil {
					s.logger.Warn("provider close failed", "error", err)
				}
			}
			s.o.deps.Transport.Release(s.CallID)
			s.o.deps.Tools.Release(s.CallID)

			hctx, hcancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := s.o.deps.Commander.Hangup(hctx, s.ChannelID, "normal"); err != nil {
				// The channel is usually already gone when the far end hung up.
				s.logger.Debug("hangup command failed", "error", err)
			}
			hcancel()

			if st := s.o.deps.Store; st != nil {
				sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := st.EndCall(sctx, s.CallID, string(outcome), bargeIns, time.Now()); err != nil {
					s.logger.Warn("call record update failed", "error", err)
				}
				scancel()
			}
		}()

		select {
		case <-done:
		case <-time.After(s.o.cfg.TeardownGrace):
			s.logger.Error("teardown exceeded grace period, abandoning resources", "leak_risk", true)
		}

		s.o.registry.remove(s.ChannelID)
		if m := s.o.deps.Metrics; m != nil {
			m.ActiveCalls.Dec()
			m.CallsTotal.WithLabelValues(s.bundle.Direction, string(outcome)).Inc()
			m.DropCall(s.CallID)
		}
		s.setState(StateTerminated)
		s.logger.Info("call terminated", "outcome", string(outcome), "duration", time.Since(s.createdAt).Round(time.Millisecond))
	})
}
