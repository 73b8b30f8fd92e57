package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/pkg/engine/errs"
)

// knownRates are the sample rates the engine can realign to when a provider's
// declared output rate disagrees with what it actually emits.
var knownRates = []int{8000, 16000, 24000}

// Stage is one transcoding step in a chain. Process never errors; format
// problems are caught at chain construction or by rate alignment.
type Stage interface {
	Name() string
	Process(in []byte) []byte
	Meter() *LevelMeter
}

type decodeStage struct {
	enc   Encoding
	meter LevelMeter
}

func (s *decodeStage) Name() string { return "decode_" + s.enc.String() }

func (s *decodeStage) Process(in []byte) []byte {
	var out []byte
	switch s.enc {
	case EncodingULaw:
		out = DecodeULaw(in)
	case EncodingALaw:
		out = DecodeALaw(in)
	default:
		out = in
	}
	s.meter.Observe(out)
	return out
}

func (s *decodeStage) Meter() *LevelMeter { return &s.meter }

type encodeStage struct {
	enc   Encoding
	meter LevelMeter
}

func (s *encodeStage) Name() string { return "encode_" + s.enc.String() }

func (s *encodeStage) Process(in []byte) []byte {
	s.meter.Observe(in)
	switch s.enc {
	case EncodingULaw:
		return EncodePCM16ULaw(in)
	case EncodingALaw:
		return EncodePCM16ALaw(in)
	default:
		return in
	}
}

func (s *encodeStage) Meter() *LevelMeter { return &s.meter }

type resampleStage struct {
	r     *Resampler
	from  int
	to    int
	meter LevelMeter
}

func (s *resampleStage) Name() string { return fmt.Sprintf("resample_%d_%d", s.from, s.to) }

func (s *resampleStage) Process(in []byte) []byte {
	out := s.r.Process(in)
	s.meter.Observe(out)
	return out
}

func (s *resampleStage) Meter() *LevelMeter { return &s.meter }

// Chain reconciles a source format with a target format through explicit
// stages. One chain serves one direction of one call and is not safe for
// concurrent Process calls; the pumps own their chains exclusively.
type Chain struct {
	From, To Format

	mu       sync.Mutex
	stages   []Stage
	resample *resampleStage // nil when rates already match
	logger   *slog.Logger
}

// NewChain builds the transcoder steps needed to turn From-format frames
// into To-format frames.
func NewChain(from, to Format, logger *slog.Logger) (*Chain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if from.Channels > 1 || to.Channels > 1 {
		return nil, errs.Newf(errs.KindAudioPipeline, "audio.NewChain",
			"multichannel audio not supported (%s -> %s)", from, to)
	}
	c := &Chain{From: from, To: to, logger: logger}

	if from.Encoding != EncodingPCM16 {
		c.stages = append(c.stages, &decodeStage{enc: from.Encoding})
	}
	if from.SampleRateHz != to.SampleRateHz {
		rs := &resampleStage{
			r:    NewResampler(from.SampleRateHz, to.SampleRateHz),
			from: from.SampleRateHz,
			to:   to.SampleRateHz,
		}
		c.resample = rs
		c.stages = append(c.stages, rs)
	}
	if to.Encoding != EncodingPCM16 {
		c.stages = append(c.stages, &encodeStage{enc: to.Encoding})
	}
	return c, nil
}

// Process runs one frame through every stage in order.
func (c *Chain) Process(in []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := in
	for _, s := range c.stages {
		out = s.Process(out)
	}
	return out
}

// StageStats is one stage's level snapshot, for the observability surface.
type StageStats struct {
	Stage string
	Stats LevelStats
}

// Stats snapshots every stage meter, resetting their windows.
func (c *Chain) Stats() []StageStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StageStats, 0, len(c.stages))
	for _, s := range c.stages {
		out = append(out, StageStats{Stage: s.Name(), Stats: s.Meter().Snapshot()})
	}
	return out
}

// AlignObservedRate reconciles the chain with the sample rate a source is
// actually emitting. A known rate is realigned in place and logged; anything
// else fails the pipeline rather than passing garbled audio downstream.
func (c *Chain) AlignObservedRate(observedHz int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if observedHz == c.From.SampleRateHz {
		return nil
	}
	known := false
	for _, r := range knownRates {
		if observedHz == r {
			known = true
			break
		}
	}
	if !known {
		return errs.Newf(errs.KindAudioPipeline, "audio.AlignObservedRate",
			"declared %d Hz but observed %d Hz with no alignment path", c.From.SampleRateHz, observedHz)
	}
	c.logger.Warn("audio format mismatch, realigning",
		"declared_hz", c.From.SampleRateHz,
		"observed_hz", observedHz,
		"target_hz", c.To.SampleRateHz)
	if c.resample == nil {
		rs := &resampleStage{
			r:    NewResampler(observedHz, c.To.SampleRateHz),
			from: observedHz,
			to:   c.To.SampleRateHz,
		}
		c.resample = rs
		// Insert before any trailing encode stage.
		insert := len(c.stages)
		if insert > 0 {
			if _, ok := c.stages[insert-1].(*encodeStage); ok {
				insert--
			}
		}
		c.stages = append(c.stages[:insert], append([]Stage{rs}, c.stages[insert:]...)...)
	} else {
		c.resample.r.Retarget(observedHz)
		c.resample.from = observedHz
	}
	c.From.SampleRateHz = observedHz
	return nil
}

// RateProbe estimates the real sample rate of a stream from its byte cadence.
// Providers deliver audio in faster-than-real-time bursts separated by idle
// gaps while the caller speaks, so the probe measures only contiguous delivery
// spans: an idle gap starts a fresh window, and elapsed time is counted up to
// the last observation, never across trailing silence.
type RateProbe struct {
	mu       sync.Mutex
	started  time.Time
	last     time.Time
	bytes    int64
	enc      Encoding
	now      func() time.Time
	minAudio time.Duration
	maxGap   time.Duration
}

// NewRateProbe creates a probe for a stream of the given encoding.
func NewRateProbe(enc Encoding) *RateProbe {
	return &RateProbe{
		enc:      enc,
		now:      time.Now,
		minAudio: 2 * time.Second,
		maxGap:   500 * time.Millisecond,
	}
}

// Observe records n bytes arriving now.
func (p *RateProbe) Observe(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if p.started.IsZero() || now.Sub(p.last) > p.maxGap {
		p.started = now
		p.bytes = 0
	}
	p.last = now
	p.bytes += int64(n)
}

// Estimate returns the observed rate snapped to a known rate. It returns 0
// when the current span is too short or its cadence matches no known rate:
// that is absence of evidence, not a mismatch, and must never fail a healthy
// stream.
func (p *RateProbe) Estimate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		return 0
	}
	elapsed := p.last.Sub(p.started)
	if elapsed < p.minAudio {
		return 0
	}
	samples := float64(p.bytes) / float64(p.enc.BytesPerSample())
	rate := samples / elapsed.Seconds()
	for _, r := range knownRates {
		if rate > float64(r)*0.9 && rate < float64(r)*1.1 {
			return r
		}
	}
	return 0
}

// Reset starts a fresh measurement window, used after realignment.
func (p *RateProbe) Reset() {
	p.mu.Lock()
	p.started = time.Time{}
	p.last = time.Time{}
	p.bytes = 0
	p.mu.Unlock()
}
