package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pivotmc/agent/internal/config"
)

type fakeDepths struct{ p, h, l int64 }

func (f fakeDepths) Depths() (int64, int64, int64) { return f.p, f.h, f.l }

type fakeHealth struct {
	tps      float64
	strategy string
}

func (f fakeHealth) Sample() float64      { return f.tps }
func (f fakeHealth) StrategyName() string { return f.strategy }

type fakeDispatch struct{ last int64 }

func (f fakeDispatch) LastDispatch() int64 { return f.last }

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.API.Endpoint = "https://collect.example.com/v1/batch"
	cfg.API.Key = "pvt_0123456789abcdefghij"
	return cfg
}

func TestSnapshot(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	r := New(func() *config.Config { return cfg },
		fakeDepths{p: 3, h: 2, l: 1},
		fakeHealth{tps: 19.7, strategy: "native"},
		fakeDispatch{last: now.Add(-30 * time.Second).UnixMilli()})
	r.now = func() time.Time { return now }

	s := r.Snapshot()
	assert.True(t, s.CollectionEnabled)
	assert.Equal(t, "https://collect.example.com/v1/batch", s.Endpoint)
	assert.Equal(t, "pvt_***ghij", s.CredentialMasked)
	assert.True(t, s.CredentialConfigured)
	assert.Equal(t, int64(3), s.QueuedPlayerEvents)
	assert.Equal(t, int64(2), s.QueuedHealthSamples)
	assert.Equal(t, int64(1), s.QueuedLifecycleEvents)
	assert.Equal(t, 19.7, s.TPS)
	assert.Equal(t, "native", s.Strategy)
	assert.InDelta(t, 30*time.Second, s.SinceLastDispatch, float64(time.Second))
	assert.True(t, s.DispatchHealthy)
}

func TestSnapshotNeverDispatched(t *testing.T) {
	r := New(func() *config.Config { return testConfig() },
		fakeDepths{}, fakeHealth{strategy: "manual"}, fakeDispatch{last: 0})

	s := r.Snapshot()
	assert.Zero(t, s.LastDispatchMillis)
	assert.Zero(t, s.SinceLastDispatch)
	assert.False(t, s.DispatchHealthy)
}

func TestSnapshotStaleDispatch(t *testing.T) {
	now := time.Now()
	r := New(func() *config.Config { return testConfig() },
		fakeDepths{}, fakeHealth{}, fakeDispatch{last: now.Add(-10 * time.Minute).UnixMilli()})
	r.now = func() time.Time { return now }

	s := r.Snapshot()
	assert.False(t, s.DispatchHealthy)
}

func TestSnapshotReflectsReload(t *testing.T) {
	cfg := testConfig()
	source := func() *config.Config { return cfg }
	r := New(source, fakeDepths{}, fakeHealth{}, fakeDispatch{})

	assert.True(t, r.Snapshot().CredentialConfigured)

	next := testConfig()
	next.API.Key = ""
	next.Debug.Enabled = true
	cfg = next

	s := r.Snapshot()
	assert.False(t, s.CredentialConfigured)
	assert.Empty(t, s.CredentialMasked)
	assert.True(t, s.DebugEnabled)
}
