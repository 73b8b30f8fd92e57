package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voicebridge/voicebridge/pkg/engine/errs"
)

// BindingKind selects the per-call audio channel type.
type BindingKind int

const (
	// BindingAudioSocket is the streamed-socket binding: a framed TCP
	// protocol carrying signed linear 8 kHz audio.
	BindingAudioSocket BindingKind = iota
	// BindingRTP is the media-stream binding: UDP RTP with a G.711 payload.
	BindingRTP
)

// String returns the configuration name of the binding kind.
func (k BindingKind) String() string {
	switch k {
	case BindingAudioSocket:
		return "audiosocket"
	case BindingRTP:
		return "rtp"
	default:
		return "unknown"
	}
}

// ParseBindingKind maps a configuration name to a BindingKind.
func ParseBindingKind(name string) (BindingKind, error) {
	switch name {
	case "audiosocket":
		return BindingAudioSocket, nil
	case "rtp", "external_media":
		return BindingRTP, nil
	default:
		return 0, fmt.Errorf("unknown audio binding %q", name)
	}
}

// BindingConfig is the call-scoped transport configuration the control-plane
// collaborator resolves before the orchestrator takes over.
type BindingConfig struct {
	Kind BindingKind

	// RemoteAddr is where the telephony side terminates media for this call.
	RemoteAddr string
	// LocalAddr is the address to bind locally (RTP only; empty picks an
	// ephemeral port).
	LocalAddr string

	// PayloadType selects the RTP payload (0 = mu-law, 8 = A-law). Ignored
	// by the audiosocket binding.
	PayloadType int
}

// NativeFormat returns the binding's declared encoding and sample rate.
func (c BindingConfig) NativeFormat() Format {
	switch c.Kind {
	case BindingRTP:
		enc := EncodingULaw
		if c.PayloadType == rtpPayloadALaw {
			enc = EncodingALaw
		}
		return Format{Encoding: enc, SampleRateHz: 8000, Channels: 1}
	default:
		return Format{Encoding: EncodingPCM16, SampleRateHz: 8000, Channels: 1}
	}
}

// FrameSource yields inbound audio frames for one call in arrival order.
type FrameSource interface {
	// ReadFrame blocks for the next frame. It returns a transport-classified
	// error on disconnect and ctx.Err on cancellation.
	ReadFrame(ctx context.Context) ([]byte, error)
	Format() Format
	Close() error
}

// FrameSink accepts outbound audio frames for one call.
type FrameSink interface {
	WriteFrame(frame []byte) error
	Format() Format
	Close() error
}

// endpoint is a binding's bidirectional media leg; sources and sinks handed
// out by the transport are views over one endpoint.
type endpoint interface {
	FrameSource
	FrameSink
}

// Transport opens audio bindings per call. OpenInbound and OpenOutbound for
// the same call share one underlying media connection; the first open
// establishes it.
type Transport struct {
	logger *slog.Logger

	mu        sync.Mutex
	endpoints map[string]endpoint
}

// NewTransport creates the audio transport layer.
func NewTransport(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{logger: logger, endpoints: make(map[string]endpoint)}
}

func (t *Transport) open(ctx context.Context, callID string, cfg BindingConfig) (endpoint, error) {
	t.mu.Lock()
	if ep, ok := t.endpoints[callID]; ok {
		t.mu.Unlock()
		return ep, nil
	}
	t.mu.Unlock()

	var (
		ep  endpoint
		err error
	)
	switch cfg.Kind {
	case BindingAudioSocket:
		ep, err = dialAudioSocket(ctx, callID, cfg.RemoteAddr)
	case BindingRTP:
		ep, err = openRTP(cfg)
	default:
		err = errs.Newf(errs.KindTransport, "audio.open", "unsupported binding kind %d", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if existing, ok := t.endpoints[callID]; ok {
		t.mu.Unlock()
		_ = ep.Close()
		return existing, nil
	}
	t.endpoints[callID] = ep
	t.mu.Unlock()

	t.logger.Debug("audio binding opened", "call_id", callID, "binding", cfg.Kind.String(), "format", cfg.NativeFormat().String())
	return ep, nil
}

// OpenInbound opens (or joins) the call's media leg and returns its frame
// source.
func (t *Transport) OpenInbound(ctx context.Context, callID string, cfg BindingConfig) (FrameSource, error) {
	return t.open(ctx, callID, cfg)
}

// OpenOutbound opens (or joins) the call's media leg and returns its frame
// sink.
func (t *Transport) OpenOutbound(ctx context.Context, callID string, cfg BindingConfig) (FrameSink, error) {
	return t.open(ctx, callID, cfg)
}

// Release closes and forgets the call's media leg. Safe to call repeatedly.
func (t *Transport) Release(callID string) {
	t.mu.Lock()
	ep, ok := t.endpoints[callID]
	delete(t.endpoints, callID)
	t.mu.Unlock()
	if ok {
		_ = ep.Close()
	}
}
