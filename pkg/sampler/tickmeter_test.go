package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock drives a TickMeter deterministically.
type fakeClock struct {
	now int64
}

func (c *fakeClock) advance(d time.Duration) { c.now += int64(d) }

func newTestMeter(c *fakeClock) *TickMeter {
	m := NewTickMeter()
	m.nowNanos = func() int64 { return c.now }
	return m
}

func tickN(m *TickMeter, c *fakeClock, n int, interval time.Duration) {
	for i := 0; i < n; i++ {
		c.advance(interval)
		m.Tick()
	}
}

func TestTPSDefaultUntilWarm(t *testing.T) {
	c := &fakeClock{now: int64(time.Hour)}
	m := newTestMeter(c)

	assert.Equal(t, 20.0, m.TPS(), "empty meter reports the optimistic default")

	// first Tick arms, so 19 more yield only 19 samples
	tickN(m, c, minSamples, 200*time.Millisecond)
	assert.Equal(t, minSamples-1, m.Samples())
	assert.Equal(t, 20.0, m.TPS())

	c.advance(200 * time.Millisecond)
	m.Tick()
	assert.Equal(t, minSamples, m.Samples())
	assert.InDelta(t, 5.0, m.TPS(), 0.001, "200ms ticks are 5 TPS")
}

func TestTPSClampedAtTwenty(t *testing.T) {
	c := &fakeClock{now: int64(time.Hour)}
	m := newTestMeter(c)

	tickN(m, c, minSamples+1, 25*time.Millisecond)
	assert.Equal(t, 20.0, m.TPS(), "faster than 50ms ticks still read 20")
}

func TestTPSDegradedServer(t *testing.T) {
	c := &fakeClock{now: int64(time.Hour)}
	m := newTestMeter(c)

	tickN(m, c, minSamples+1, 100*time.Millisecond)
	assert.InDelta(t, 10.0, m.TPS(), 0.001)
}

func TestWindowEvictsOldest(t *testing.T) {
	c := &fakeClock{now: int64(time.Hour)}
	m := newTestMeter(c)

	// fill the window with slow ticks, then overwrite it with healthy ones
	tickN(m, c, tickWindow+1, 200*time.Millisecond)
	assert.Equal(t, tickWindow, m.Samples())
	assert.InDelta(t, 5.0, m.TPS(), 0.001)

	tickN(m, c, tickWindow, 50*time.Millisecond)
	assert.Equal(t, tickWindow, m.Samples())
	assert.InDelta(t, 20.0, m.TPS(), 0.001)
}

func TestRecordExplicitDurations(t *testing.T) {
	m := NewTickMeter()
	for i := 0; i < minSamples; i++ {
		m.Record(50 * time.Millisecond)
	}
	assert.InDelta(t, 20.0, m.TPS(), 0.001)

	m2 := NewTickMeter()
	m2.Record(-time.Second)
	assert.Zero(t, m2.Samples(), "negative durations are ignored")
}

func BenchmarkTick(b *testing.B) {
	m := NewTickMeter()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Tick()
	}
}
