package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// LevelMeter accumulates signal statistics over a rolling window of PCM16
// samples. Every pipeline stage wraps one so that silent or DC-biased audio
// from a misconfigured stage is observable instead of silently degrading.
type LevelMeter struct {
	mu         sync.Mutex
	sumSquares float64
	sum        float64
	count      int64
	peak       int16
}

// Observe folds one PCM16 little-endian buffer into the meter.
func (m *LevelMeter) Observe(pcm []byte) {
	n := len(pcm) / 2
	if n == 0 {
		return
	}
	var sum, sumSq float64
	var peak int16
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		v := float64(s)
		sum += v
		sumSq += v * v
		if s > peak {
			peak = s
		} else if -s > peak {
			peak = -s
		}
	}
	m.mu.Lock()
	m.sum += sum
	m.sumSquares += sumSq
	m.count += int64(n)
	if peak > m.peak {
		m.peak = peak
	}
	m.mu.Unlock()
}

// LevelStats is a snapshot of a meter's window.
type LevelStats struct {
	RMS      float64 // root mean square amplitude, 0..32767
	DCOffset float64 // mean sample value; large magnitude indicates bias
	Peak     int16
	Samples  int64
}

// Silent reports whether the window looks like dead air.
func (s LevelStats) Silent() bool {
	return s.Samples > 0 && s.RMS < 10
}

// Snapshot returns the current statistics and resets the window.
func (m *LevelMeter) Snapshot() LevelStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := LevelStats{Samples: m.count, Peak: m.peak}
	if m.count > 0 {
		stats.RMS = math.Sqrt(m.sumSquares / float64(m.count))
		stats.DCOffset = m.sum / float64(m.count)
	}
	m.sum, m.sumSquares, m.count, m.peak = 0, 0, 0, 0
	return stats
}
