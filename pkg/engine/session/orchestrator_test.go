package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge/voicebridge/pkg/engine/audio"
	"github.com/voicebridge/voicebridge/pkg/engine/controlplane"
	"github.com/voicebridge/voicebridge/pkg/engine/provider"
	"github.com/voicebridge/voicebridge/pkg/engine/tools"
)

// fakeCommander records control-plane commands.
type fakeCommander struct {
	mu        sync.Mutex
	answers   int
	hangups   int
	plays     []string
	answerErr error
	blockCtx  bool
}

func (f *fakeCommander) Answer(ctx context.Context, channelID string) error {
	if f.blockCtx {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	f.answers++
	f.mu.Unlock()
	return f.answerErr
}

func (f *fakeCommander) Hangup(ctx context.Context, channelID, reason string) error {
	f.mu.Lock()
	f.hangups++
	f.mu.Unlock()
	return nil
}

func (f *fakeCommander) Redirect(ctx context.Context, channelID, endpoint string) error { return nil }
func (f *fakeCommander) Bridge(ctx context.Context, channelIDs ...string) (string, error) {
	return "", nil
}

func (f *fakeCommander) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	f.mu.Lock()
	f.plays = append(f.plays, mediaURI)
	f.mu.Unlock()
	return "pb-1", nil
}

func (f *fakeCommander) StopPlayback(ctx context.Context, playbackID string) error { return nil }
func (f *fakeCommander) SendDTMF(ctx context.Context, channelID, digits string) error {
	return nil
}

func (f *fakeCommander) Originate(ctx context.Context, req controlplane.OriginateRequest) (string, error) {
	return "chan-out", nil
}

func (f *fakeCommander) ChannelVar(ctx context.Context, channelID, key, value string) error {
	return nil
}

func (f *fakeCommander) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hangups
}

func (f *fakeCommander) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers
}

// fakeProvSession is a scriptable provider leg.
type fakeProvSession struct {
	mu      sync.Mutex
	pushed  [][]byte
	texts   []string
	results []provider.ToolResult
	events  chan provider.Event
	closed  bool
}

func (s *fakeProvSession) PushAudio(frame []byte) error {
	s.mu.Lock()
	s.pushed = append(s.pushed, frame)
	s.mu.Unlock()
	return nil
}

func (s *fakeProvSession) Events() <-chan provider.Event { return s.events }

func (s *fakeProvSession) SendToolResult(ctx context.Context, invocationID string, res provider.ToolResult) error {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
	return nil
}

func (s *fakeProvSession) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return nil
}

func (s *fakeProvSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeProvSession) pushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushed)
}

type fakeAdapter struct {
	session *fakeProvSession
	caps    provider.Capabilities
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) Capabilities() provider.Capabilities { return a.caps }

func (a *fakeAdapter) StartSession(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	return a.session, nil
}

// audioSocketPeer is the telephony end of the media leg.
type audioSocketPeer struct {
	ln    net.Listener
	conn  net.Conn
	ready chan struct{}
}

func startAudioSocketPeer(t *testing.T) *audioSocketPeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &audioSocketPeer{ln: ln, ready: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p.conn = conn
		// Consume the ID handshake.
		var hdr [3]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint16(hdr[1:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		close(p.ready)
	}()
	return p
}

func (p *audioSocketPeer) sendAudio(t *testing.T, payload []byte) {
	t.Helper()
	hdr := []byte{0x10, 0, 0}
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(payload)))
	if _, err := p.conn.Write(append(hdr, payload...)); err != nil {
		t.Fatal(err)
	}
}

func pollUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestOrchestrator(t *testing.T, commander controlplane.Commander, adapter provider.Adapter, contexts []ContextConfig, defaultContext string) *Orchestrator {
	t.Helper()
	providers := provider.NewRegistry()
	if adapter != nil {
		if err := providers.Register(adapter); err != nil {
			t.Fatal(err)
		}
	}
	gateway := tools.NewGateway(nil, 0)
	if err := gateway.Register(tools.Definition{
		Name: "probe",
		Handler: func(ctx context.Context, call tools.CallRef, args json.RawMessage) (tools.Result, error) {
			return tools.Result{Summary: "probed"}, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	return NewOrchestrator(Config{
		ProvisionTimeout: 2 * time.Second,
		TeardownGrace:    time.Second,
		StatsInterval:    50 * time.Millisecond,
	}, Deps{
		Commander: commander,
		Transport: audio.NewTransport(nil),
		Providers: providers,
		Tools:     gateway,
		Resolver:  NewResolver(contexts, defaultContext, ""),
	})
}

func TestSessionResolveFailureDrainsWithHangup(t *testing.T) {
	cmd := &fakeCommander{}
	o := newTestOrchestrator(t, cmd, nil, []ContextConfig{{Name: "only", Provider: "missing"}}, "only")

	// Context override names a context that does not exist.
	ev := controlplane.Event{
		Type:      controlplane.EventChannelEnteredApp,
		ChannelID: "chan-1",
		Args:      map[string]string{"context": "ghost"},
	}
	s := o.newSession(ev)
	go s.run(context.Background())

	pollUntil(t, func() bool { return s.State() == StateTerminated }, "session never terminated")
	if got := s.Outcome(); got != OutcomeProvisioningFailed {
		t.Errorf("outcome = %q, want %q", got, OutcomeProvisioningFailed)
	}
	if cmd.hangupCount() != 1 {
		t.Errorf("hangups = %d, want 1", cmd.hangupCount())
	}
	if o.Registry().Count() != 0 {
		t.Error("session still registered after teardown")
	}
}

func TestSessionProvisionTimeoutDrains(t *testing.T) {
	cmd := &fakeCommander{blockCtx: true}
	prov := &fakeProvSession{events: make(chan provider.Event, 8)}
	adapter := &fakeAdapter{session: prov, caps: provider.Capabilities{
		TurnDetection: provider.TurnDetectionProvider,
		InputFormat:   audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 8000, Channels: 1},
		OutputFormat:  audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 8000, Channels: 1},
	}}
	o := newTestOrchestrator(t, cmd, adapter,
		[]ContextConfig{{Name: "c", Provider: "fake"}}, "c")
	o.cfg.ProvisionTimeout = 30 * time.Millisecond

	s := o.newSession(controlplane.Event{Type: controlplane.EventChannelEnteredApp, ChannelID: "chan-1"})
	go s.run(context.Background())

	pollUntil(t, func() bool { return s.State() == StateTerminated }, "session never terminated")
	if got := s.Outcome(); got != OutcomeProvisioningFailed {
		t.Errorf("outcome = %q, want %q", got, OutcomeProvisioningFailed)
	}
	if cmd.hangupCount() != 1 {
		t.Errorf("hangups = %d", cmd.hangupCount())
	}
}

func TestSessionActiveLifecycle(t *testing.T) {
	peer := startAudioSocketPeer(t)
	cmd := &fakeCommander{}
	prov := &fakeProvSession{events: make(chan provider.Event, 8)}
	adapter := &fakeAdapter{session: prov, caps: provider.Capabilities{
		TurnDetection: provider.TurnDetectionProvider,
		InputFormat:   audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 8000, Channels: 1},
		OutputFormat:  audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 8000, Channels: 1},
	}}
	o := newTestOrchestrator(t, cmd, adapter, []ContextConfig{{
		Name:            "c",
		Provider:        "fake",
		ToolsExposed:    []string{"probe"},
		ToolsExecutable: []string{"probe"},
		Binding:         audio.BindingConfig{Kind: audio.BindingAudioSocket, RemoteAddr: peer.ln.Addr().String()},
	}}, "c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ev := controlplane.Event{Type: controlplane.EventChannelEnteredApp, ChannelID: "chan-1"}
	o.dispatch(ctx, ev)

	s, ok := o.Registry().Lookup("chan-1")
	if !ok {
		t.Fatal("session not registered")
	}
	pollUntil(t, func() bool { return s.State() == StateActive }, "session never became active")
	<-peer.ready

	if cmd.answerCount() != 1 {
		t.Errorf("answers = %d, want 1", cmd.answerCount())
	}

	// Caller audio reaches the provider.
	frame := make([]byte, 320)
	peer.sendAudio(t, frame)
	pollUntil(t, func() bool { return prov.pushCount() > 0 }, "caller audio never pushed")

	// A tool call executes and its result goes back to the provider.
	prov.events <- &provider.ToolCallEvent{InvocationID: "inv-1", Name: "probe", Arguments: json.RawMessage(`{}`)}
	pollUntil(t, func() bool {
		prov.mu.Lock()
		defer prov.mu.Unlock()
		return len(prov.results) == 1
	}, "tool result never delivered")
	prov.mu.Lock()
	if prov.results[0].IsError || prov.results[0].Summary != "probed" {
		t.Errorf("tool result = %+v", prov.results[0])
	}
	prov.mu.Unlock()

	// DTMF is forwarded as a text turn.
	o.dispatch(ctx, controlplane.Event{Type: controlplane.EventDTMFReceived, ChannelID: "chan-1", Digit: "7"})
	pollUntil(t, func() bool {
		prov.mu.Lock()
		defer prov.mu.Unlock()
		return len(prov.texts) == 1
	}, "DTMF never forwarded")

	// A provider session error ends the call.
	prov.events <- &provider.SessionErrorEvent{Err: io.ErrUnexpectedEOF}
	pollUntil(t, func() bool { return s.State() == StateTerminated }, "session never terminated")
	if got := s.Outcome(); got != OutcomeProviderError {
		t.Errorf("outcome = %q, want %q", got, OutcomeProviderError)
	}
	if cmd.hangupCount() != 1 {
		t.Errorf("hangups = %d, want exactly 1", cmd.hangupCount())
	}

	// Later control-plane events for the dead channel are harmless.
	o.dispatch(ctx, controlplane.Event{Type: controlplane.EventChannelDestroyed, ChannelID: "chan-1"})
	if cmd.hangupCount() != 1 {
		t.Error("teardown ran twice")
	}
}

func TestSessionCallerHangupViaChannelDestroyed(t *testing.T) {
	peer := startAudioSocketPeer(t)
	cmd := &fakeCommander{}
	prov := &fakeProvSession{events: make(chan provider.Event, 8)}
	adapter := &fakeAdapter{session: prov, caps: provider.Capabilities{
		TurnDetection: provider.TurnDetectionProvider,
		InputFormat:   audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 8000, Channels: 1},
		OutputFormat:  audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 8000, Channels: 1},
	}}
	o := newTestOrchestrator(t, cmd, adapter, []ContextConfig{{
		Name:     "c",
		Provider: "fake",
		Binding:  audio.BindingConfig{Kind: audio.BindingAudioSocket, RemoteAddr: peer.ln.Addr().String()},
	}}, "c")

	ctx := context.Background()
	o.dispatch(ctx, controlplane.Event{Type: controlplane.EventChannelEnteredApp, ChannelID: "chan-9"})
	s, _ := o.Registry().Lookup("chan-9")
	pollUntil(t, func() bool { return s.State() == StateActive }, "never active")

	o.dispatch(ctx, controlplane.Event{Type: controlplane.EventChannelDestroyed, ChannelID: "chan-9"})
	pollUntil(t, func() bool { return s.State() == StateTerminated }, "never terminated")
	if got := s.Outcome(); got != OutcomeCallerHangup {
		t.Errorf("outcome = %q, want %q", got, OutcomeCallerHangup)
	}
}

func TestShutdownOutcomeFirstWins(t *testing.T) {
	cmd := &fakeCommander{}
	o := newTestOrchestrator(t, cmd, nil, []ContextConfig{{Name: "c", Provider: "missing"}}, "c")
	s := o.newSession(controlplane.Event{Type: controlplane.EventChannelEnteredApp, ChannelID: "chan-1"})

	s.Shutdown(OutcomeCallerHangup)
	s.Shutdown(OutcomeProviderError)
	if got := s.Outcome(); got != OutcomeCallerHangup {
		t.Errorf("outcome = %q, want first recorded %q", got, OutcomeCallerHangup)
	}
	// Unblock registry bookkeeping for the never-run session.
	o.Registry().remove("chan-1")
}

func TestShutdownBeforeRunDrainsImmediately(t *testing.T) {
	cmd := &fakeCommander{}
	prov := &fakeProvSession{events: make(chan provider.Event, 8)}
	adapter := &fakeAdapter{session: prov, caps: provider.Capabilities{
		TurnDetection: provider.TurnDetectionProvider,
		InputFormat:   audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 8000, Channels: 1},
		OutputFormat:  audio.Format{Encoding: audio.EncodingPCM16, SampleRateHz: 8000, Channels: 1},
	}}
	o := newTestOrchestrator(t, cmd, adapter, []ContextConfig{{Name: "c", Provider: "fake"}}, "c")

	// The channel is destroyed before the session goroutine gets scheduled.
	s := o.newSession(controlplane.Event{Type: controlplane.EventChannelEnteredApp, ChannelID: "chan-1"})
	s.Shutdown(OutcomeCallerHangup)
	go s.run(context.Background())

	pollUntil(t, func() bool { return s.State() == StateTerminated }, "session never terminated")
	if got := s.Outcome(); got != OutcomeCallerHangup {
		t.Errorf("outcome = %q, want %q", got, OutcomeCallerHangup)
	}
	if cmd.answerCount() != 0 {
		t.Errorf("answers = %d, provisioning ran after early shutdown", cmd.answerCount())
	}
	if o.Registry().Count() != 0 {
		t.Error("session still registered after teardown")
	}
}

func TestRegistryDrainAll(t *testing.T) {
	cmd := &fakeCommander{}
	o := newTestOrchestrator(t, cmd, nil, []ContextConfig{{Name: "only", Provider: "missing"}}, "only")

	for _, ch := range []string{"a", "b", "c"} {
		s := o.newSession(controlplane.Event{
			Type:      controlplane.EventChannelEnteredApp,
			ChannelID: ch,
			Args:      map[string]string{"context": "ghost"},
		})
		go s.run(context.Background())
	}

	if !o.Registry().DrainAll(context.Background(), 5*time.Second) {
		t.Fatalf("registry did not drain, %d sessions left", o.Registry().Count())
	}
}
