package sampler

import (
	"math"
	"sync"
	"time"
)

const (
	// tickWindow is the number of tick durations averaged by the manual
	// fallback, roughly five seconds at a healthy 20 TPS.
	tickWindow = 100
	// minSamples is how many ticks must be observed before the computed
	// average is trusted over the optimistic default.
	minSamples = 20
	// defaultTPS is returned until the window has enough samples.
	defaultTPS = 20.0
)

// TickMeter maintains a fixed-size rolling window of tick durations fed by
// the host's per-tick hook. Tick is O(1) and allocation-free; the short
// critical section never blocks the host thread for more than a few field
// updates even while a background task reads TPS concurrently.
type TickMeter struct {
	mu        sync.Mutex
	durations [tickWindow]int64 // nanoseconds, ring
	sum       int64
	count     int
	next      int
	last      int64

	nowNanos func() int64 // overridable in tests
}

// NewTickMeter returns a meter with an empty window.
func NewTickMeter() *TickMeter {
	return &TickMeter{nowNanos: func() int64 { return time.Now().UnixNano() }}
}

// Tick records the duration since the previous call. The first call only
// arms the meter.
func (m *TickMeter) Tick() {
	now := m.nowNanos()
	m.mu.Lock()
	if m.last > 0 {
		m.record(now - m.last)
	}
	m.last = now
	m.mu.Unlock()
}

// Record adds an explicit tick duration, for hosts that measure ticks
// themselves.
func (m *TickMeter) Record(d time.Duration) {
	m.mu.Lock()
	m.record(int64(d))
	m.mu.Unlock()
}

func (m *TickMeter) record(nanos int64) {
	if nanos < 0 {
		return
	}
	if m.count == tickWindow {
		m.sum -= m.durations[m.next]
	} else {
		m.count++
	}
	m.durations[m.next] = nanos
	m.sum += nanos
	m.next = (m.next + 1) % tickWindow
}

// TPS computes ticks-per-second from the average tick duration, clamped to
// [0, 20]. Before minSamples ticks exist it returns the optimistic default.
func (m *TickMeter) TPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count < minSamples {
		return defaultTPS
	}
	avgMillis := float64(m.sum) / float64(m.count) / 1e6
	if avgMillis <= 0 {
		return defaultTPS
	}
	return math.Min(defaultTPS, 1000.0/avgMillis)
}

// Samples returns how many tick durations the window currently holds.
func (m *TickMeter) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
