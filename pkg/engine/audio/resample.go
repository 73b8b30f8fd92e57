package audio

import "encoding/binary"

// Resampler converts PCM16 mono audio between sample rates using linear
// interpolation. It carries a fractional read position and the last sample
// of the previous frame across calls, so sustained streaming conserves total
// duration instead of drifting by a sample per frame.
type Resampler struct {
	fromRate int
	toRate   int

	// pos is the fractional read index into the current frame. It may be in
	// (-1, 0) after a frame boundary, in which case interpolation spans the
	// carried prev sample and the first sample of the new frame.
	pos  float64
	prev int16
	warm bool
}

// NewResampler creates a resampler between two rates. Rates must be positive.
func NewResampler(fromRate, toRate int) *Resampler {
	return &Resampler{fromRate: fromRate, toRate: toRate}
}

// Passthrough reports whether the resampler is an identity conversion.
func (r *Resampler) Passthrough() bool { return r.fromRate == r.toRate }

// Retarget changes the input rate mid-stream. Used by the alignment path
// when a provider's observed rate differs from its declared rate.
func (r *Resampler) Retarget(fromRate int) {
	r.fromRate = fromRate
	r.pos = 0
	r.warm = false
}

// Process converts one PCM16 little-endian frame. The returned slice is a
// fresh allocation; input is not retained.
func (r *Resampler) Process(in []byte) []byte {
	if r.Passthrough() {
		out := make([]byte, len(in))
		copy(out, in)
		return out
	}

	n := len(in) / 2
	if n == 0 {
		return nil
	}
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(in[i*2:]))
	}

	at := func(idx int) float64 {
		if idx < 0 {
			if r.warm {
				return float64(r.prev)
			}
			return float64(samples[0])
		}
		if idx >= n {
			return float64(samples[n-1])
		}
		return float64(samples[idx])
	}

	step := float64(r.fromRate) / float64(r.toRate)
	pos := r.pos
	out := make([]byte, 0, int(float64(n)/step)*2+2)
	for pos < float64(n) {
		i := int(pos)
		frac := pos - float64(i)
		if pos < 0 {
			i = -1
			frac = pos + 1
		}
		a := at(i)
		b := at(i + 1)
		v := int16(a + (b-a)*frac)
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(v))
		out = append(out, buf[0], buf[1])
		pos += step
	}

	r.pos = pos - float64(n)
	r.prev = samples[n-1]
	r.warm = true
	return out
}
