// Package bargein arbitrates caller interruption per call. It selects once,
// from the provider's turn-detection ownership, between reacting to provider
// interrupt events and running a local energy VAD fallback, and it executes
// the single safe interruption action: flushing local playback.
package bargein

import (
	"encoding/binary"
	"math"
)

// EnergyVAD detects speech onset in caller audio by RMS energy. It is the
// fallback detector for providers that emit no interruption events; it only
// needs to answer "did the caller start talking", not full turn detection.
type EnergyVAD struct {
	// Threshold is the RMS amplitude (0..32767) above which a frame counts
	// as voiced.
	Threshold float64
	// OnsetFrames is how many consecutive voiced frames constitute speech
	// onset. Guards against clicks and line noise.
	OnsetFrames int

	voicedRun int
	inSpeech  bool
}

// DefaultEnergyVAD returns a detector tuned for 20ms PCM16 telephony frames.
func DefaultEnergyVAD() *EnergyVAD {
	return &EnergyVAD{Threshold: 900, OnsetFrames: 3}
}

// Observe folds one PCM16 little-endian frame and reports whether this frame
// completes a speech onset. Returns true at most once per utterance; the
// detector re-arms after the energy drops back below threshold.
func (v *EnergyVAD) Observe(pcm []byte) bool {
	n := len(pcm) / 2
	if n == 0 {
		return false
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sumSq += s * s
	}
	rms := math.Sqrt(sumSq / float64(n))

	if rms < v.Threshold {
		v.voicedRun = 0
		v.inSpeech = false
		return false
	}
	v.voicedRun++
	if !v.inSpeech && v.voicedRun >= v.onsetFrames() {
		v.inSpeech = true
		return true
	}
	return false
}

func (v *EnergyVAD) onsetFrames() int {
	if v.OnsetFrames <= 0 {
		return 3
	}
	return v.OnsetFrames
}

// Reset clears detector state, used when playback starts a new utterance.
func (v *EnergyVAD) Reset() {
	v.voicedRun = 0
	v.inSpeech = false
}
