// Package playback buffers and paces outbound audio toward the telephony
// binding. Frames are emitted on a fixed cadence with a small prebuffer for
// jitter tolerance; content order is never changed. When streaming emission
// fails mid-call, the pipeline degrades to spooling audio to a file and
// handing it to a control-plane play command instead of failing the call.
package playback

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/pkg/engine/audio"
)

// FallbackFunc plays a spooled audio file through the control plane. The
// path extension matches the sink's native encoding.
type FallbackFunc func(path string) error

// Options tune a pipeline.
type Options struct {
	// FrameDuration is the pacing interval. Default 20ms.
	FrameDuration time.Duration
	// PrebufferFrames is how many frames must queue before an utterance
	// starts emitting. Default 3.
	PrebufferFrames int
	// MaxQueueFrames bounds memory per call. Default 500 (10s at 20ms).
	MaxQueueFrames int
	// SpoolDir receives fallback files. Default os.TempDir().
	SpoolDir string
	// Fallback is invoked with a spooled file when streaming emission has
	// failed and the current utterance has fully arrived. Nil disables the
	// fallback path.
	Fallback FallbackFunc
}

// Pipeline is one call's outbound audio leg.
type Pipeline struct {
	sink   audio.FrameSink
	logger *slog.Logger
	opts   Options

	mu        sync.Mutex
	queue     [][]byte
	emitting  bool // past prebuffer for current utterance
	active    bool // audible right now
	degraded  bool // streaming sink failed, spool mode
	spoolPath string
	spool     *os.File
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// New creates and starts a pipeline over the sink.
func New(callID string, sink audio.FrameSink, logger *slog.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FrameDuration == 0 {
		opts.FrameDuration = 20 * time.Millisecond
	}
	if opts.PrebufferFrames == 0 {
		opts.PrebufferFrames = 3
	}
	if opts.MaxQueueFrames == 0 {
		opts.MaxQueueFrames = 500
	}
	if opts.SpoolDir == "" {
		opts.SpoolDir = os.TempDir()
	}
	p := &Pipeline{
		sink:   sink,
		logger: logger,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	p.spoolPath = filepath.Join(opts.SpoolDir, fmt.Sprintf("vb-%s%s", callID, spoolExt(sink.Format())))
	go p.run()
	return p
}

func spoolExt(f audio.Format) string {
	switch f.Encoding {
	case audio.EncodingULaw:
		return ".ulaw"
	case audio.EncodingALaw:
		return ".alaw"
	default:
		return ".sln"
	}
}

// Enqueue appends one frame in the sink's native format. Frames beyond the
// queue bound drop the newest audio with a warning; dropping old frames
// would reorder content.
func (p *Pipeline) Enqueue(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if len(p.queue) >= p.opts.MaxQueueFrames {
		p.logger.Warn("playback queue full, dropping frame", "queued", len(p.queue))
		return
	}
	p.queue = append(p.queue, frame)
	if !p.emitting && len(p.queue) >= p.opts.PrebufferFrames {
		p.emitting = true
		// Utterance start is the only wake-up; steady-state emission is
		// paced by the ticker alone.
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// Flush discards all pending audio immediately. This is the barge-in action.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	p.queue = nil
	p.emitting = false
	p.active = false
	if p.spool != nil {
		_ = p.spool.Close()
		_ = os.Remove(p.spoolPath)
		p.spool = nil
	}
	p.mu.Unlock()
}

// Active reports whether playback is currently audible.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Close stops the pipeline. Idempotent.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.spool != nil {
		_ = p.spool.Close()
		_ = os.Remove(p.spoolPath)
		p.spool = nil
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *Pipeline) run() {
	ticker := time.NewTicker(p.opts.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
			// New utterance: emit its first frame without waiting out the
			// current tick, then realign the cadence to it.
			ticker.Reset(p.opts.FrameDuration)
			p.emitOne()
		case <-ticker.C:
			p.emitOne()
		}
	}
}

func (p *Pipeline) emitOne() {
	p.mu.Lock()
	if p.closed || !p.emitting || len(p.queue) == 0 {
		if len(p.queue) == 0 {
			p.active = false
			p.emitting = false
			p.finishSpoolLocked()
		}
		p.mu.Unlock()
		return
	}
	frame := p.queue[0]
	p.queue = p.queue[1:]
	degraded := p.degraded
	p.active = true
	p.mu.Unlock()

	if degraded {
		p.spoolFrame(frame)
		return
	}
	if err := p.sink.WriteFrame(frame); err != nil {
		p.logger.Warn("streaming playback failed, degrading to file fallback", "error", err)
		p.mu.Lock()
		p.degraded = true
		p.mu.Unlock()
		p.spoolFrame(frame)
	}
}

func (p *Pipeline) spoolFrame(frame []byte) {
	if p.opts.Fallback == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spool == nil {
		f, err := os.OpenFile(p.spoolPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			p.logger.Error("cannot open playback spool", "path", p.spoolPath, "error", err)
			return
		}
		p.spool = f
	}
	if _, err := p.spool.Write(frame); err != nil {
		p.logger.Error("cannot write playback spool", "error", err)
	}
}

// finishSpoolLocked hands a completed spool file to the fallback player once
// the utterance has fully drained.
func (p *Pipeline) finishSpoolLocked() {
	if p.spool == nil || p.opts.Fallback == nil {
		return
	}
	_ = p.spool.Close()
	p.spool = nil
	path := p.spoolPath
	fallback := p.opts.Fallback
	go func() {
		if err := fallback(path); err != nil {
			p.logger.Error("fallback playback failed", "path", path, "error", err)
		}
	}()
}
