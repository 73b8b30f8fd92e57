// Package audio provides the engine's audio transport layer: per-call frame
// bindings, transcoding between binding-native and provider formats, and
// per-stage signal instrumentation.
package audio

import (
	"fmt"
	"time"
)

// Encoding identifies an audio sample encoding.
type Encoding int

const (
	// EncodingPCM16 is 16-bit signed little-endian linear PCM.
	EncodingPCM16 Encoding = iota
	// EncodingULaw is G.711 mu-law companded 8-bit audio.
	EncodingULaw
	// EncodingALaw is G.711 A-law companded 8-bit audio.
	EncodingALaw
)

// String returns the wire name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCM16:
		return "slin"
	case EncodingULaw:
		return "ulaw"
	case EncodingALaw:
		return "alaw"
	default:
		return "unknown"
	}
}

// ParseEncoding maps a wire name to an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "slin", "slin16", "pcm16", "linear16":
		return EncodingPCM16, nil
	case "ulaw", "mulaw", "g711_ulaw":
		return EncodingULaw, nil
	case "alaw", "g711_alaw":
		return EncodingALaw, nil
	default:
		return 0, fmt.Errorf("unknown audio encoding %q", name)
	}
}

// BytesPerSample returns the storage size of one sample.
func (e Encoding) BytesPerSample() int {
	if e == EncodingPCM16 {
		return 2
	}
	return 1
}

// Format describes the shape of an audio stream.
type Format struct {
	Encoding     Encoding
	SampleRateHz int
	Channels     int
}

func (f Format) String() string {
	return fmt.Sprintf("%s@%d/%dch", f.Encoding, f.SampleRateHz, f.Channels)
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRateHz * f.Channels * f.Encoding.BytesPerSample()
}

// FrameDuration returns the wall-clock duration represented by n bytes.
func (f Format) FrameDuration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// FrameBytes returns the byte length of a frame of duration d.
func (f Format) FrameBytes(d time.Duration) int {
	return int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
}

// Frame is one chunk of audio with its format attached. Frames flowing
// through a pipeline keep their content order; only timing may be smoothed
// downstream.
type Frame struct {
	Data   []byte
	Format Format
}

// Duration returns the wall-clock duration the frame represents.
func (fr Frame) Duration() time.Duration {
	return fr.Format.FrameDuration(len(fr.Data))
}
