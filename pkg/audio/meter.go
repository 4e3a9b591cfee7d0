package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const (
	meterInterval = 25 * time.Millisecond
	meterDecay    = 0.7
)

// Meter estimates signal volume from PCM16 frames. Each new sample
// supersedes the last; the estimate decays between loud frames so short
// bursts remain visible.
type Meter struct {
	mu       sync.Mutex
	level    float64
	lastEmit time.Time
	now      func() time.Time
}

func NewMeter() *Meter {
	return &Meter{now: time.Now}
}

// Process folds one PCM16 little-endian frame into the running estimate.
// It reports the level and whether enough time has passed since the last
// emission that listeners should be notified.
func (m *Meter) Process(pcm []byte) (level float64, emit bool) {
	rms := rmsPCM16(pcm)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.level = math.Max(rms, m.level*meterDecay)
	if m.level > 1 {
		m.level = 1
	}
	now := m.now()
	if now.Sub(m.lastEmit) >= meterInterval {
		m.lastEmit = now
		return m.level, true
	}
	return m.level, false
}

// Level returns the current estimate without folding in new samples.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func rmsPCM16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}
