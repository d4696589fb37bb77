package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivotmc/agent/internal/config"
	"github.com/pivotmc/agent/pkg/event"
)

type testHost struct {
	players int
	tps     []float64
}

func (h *testHost) OnlinePlayerCount() int { return h.players }
func (h *testHost) ServerVersion() string  { return "test-server 1.0" }
func (h *testHost) PluginCount() int       { return 2 }
func (h *testHost) RecentTPS() []float64   { return h.tps }

type capturedPayload struct {
	BatchTimestamp    int64                  `json:"batch_timestamp"`
	PlayerEvents      []event.PlayerEvent    `json:"player_events"`
	PerformanceEvents []event.HealthSample   `json:"performance_events"`
	ServerEvents      []event.LifecycleEvent `json:"server_events"`
}

type sink struct {
	mu       sync.Mutex
	payloads []capturedPayload
}

func (s *sink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			return
		}
		body, _ := io.ReadAll(r.Body)
		var p capturedPayload
		if err := json.Unmarshal(body, &p); err == nil {
			s.mu.Lock()
			s.payloads = append(s.payloads, p)
			s.mu.Unlock()
		}
	}
}

func (s *sink) all() []capturedPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedPayload(nil), s.payloads...)
}

func (s *sink) playerEvents() []event.PlayerEvent {
	var out []event.PlayerEvent
	for _, p := range s.all() {
		out = append(out, p.PlayerEvents...)
	}
	return out
}

func (s *sink) serverEvents() []event.LifecycleEvent {
	var out []event.LifecycleEvent
	for _, p := range s.all() {
		out = append(out, p.ServerEvents...)
	}
	return out
}

func testConfig(endpoint string) *config.Config {
	cfg := config.Defaults()
	cfg.API.Endpoint = endpoint
	cfg.API.Key = "pvt_0123456789abcdefghij"
	cfg.Collection.BatchInterval = 150 * time.Millisecond
	cfg.Collection.SampleInterval = 50 * time.Millisecond
	return cfg
}

func newTestAgent(t *testing.T, cfg *config.Config, srv *httptest.Server, host *testHost) *Agent {
	t.Helper()
	nop := zerolog.Nop()
	a, err := New(cfg, host, Options{HTTPClient: srv.Client(), Logger: &nop})
	require.NoError(t, err)
	return a
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Defaults() // no endpoint, no key
	nop := zerolog.Nop()
	_, err := New(cfg, &testHost{}, Options{Logger: &nop})
	assert.ErrorIs(t, err, config.ErrMissingEndpoint)
}

func TestPipelineEndToEnd(t *testing.T) {
	s := &sink{}
	srv := httptest.NewTLSServer(s.handler())
	defer srv.Close()

	host := &testHost{players: 2, tps: []float64{19.5}}
	a := newTestAgent(t, testConfig(srv.URL), srv, host)
	require.NoError(t, a.Start(context.Background()))

	a.HandlePreLogin("uuid-1", "play.example.com")
	a.HandleJoin("uuid-1", "Steve")
	a.HandleQuit("uuid-1", "Steve", "Timed out")

	require.Eventually(t, func() bool {
		return len(s.playerEvents()) >= 2
	}, 3*time.Second, 20*time.Millisecond)

	events := s.playerEvents()
	join, quit := events[0], events[1]
	assert.Equal(t, event.PlayerJoin, join.Type)
	assert.Equal(t, "play.example.com", join.Hostname)
	assert.Equal(t, event.ConnectionInitial, join.ConnectionType)
	assert.Equal(t, event.PlayerQuit, quit.Type)
	assert.Equal(t, event.ReasonTimeout, quit.QuitReason)
	require.NotNil(t, quit.SessionClean)
	assert.False(t, *quit.SessionClean)

	// server start rode along in the first batch
	starts := s.serverEvents()
	require.NotEmpty(t, starts)
	assert.Equal(t, event.ServerStart, starts[0].Type)
	assert.Equal(t, "test-server 1.0", starts[0].ServerVersion)
	assert.Equal(t, 2, starts[0].PluginsLoaded)

	// performance samples flow on their own interval
	require.Eventually(t, func() bool {
		for _, p := range s.all() {
			if len(p.PerformanceEvents) > 0 {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	a.Stop("test done")
	stops := s.serverEvents()
	assert.Equal(t, event.ServerStop, stops[len(stops)-1].Type)
	assert.Equal(t, "test done", stops[len(stops)-1].Reason)
}

func TestStartDisabledCollection(t *testing.T) {
	s := &sink{}
	srv := httptest.NewTLSServer(s.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Collection.Enabled = false
	a := newTestAgent(t, cfg, srv, &testHost{tps: []float64{20}})
	require.NoError(t, a.Start(context.Background()))

	a.HandleJoin("uuid-1", "Steve")
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, s.all(), "disabled collection ships nothing")
	a.Stop("test")
}

func TestStartTwice(t *testing.T) {
	s := &sink{}
	srv := httptest.NewTLSServer(s.handler())
	defer srv.Close()

	a := newTestAgent(t, testConfig(srv.URL), srv, &testHost{tps: []float64{20}})
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop("test")
	assert.Error(t, a.Start(context.Background()))
}

func TestReloadSwapsSettings(t *testing.T) {
	s := &sink{}
	srv := httptest.NewTLSServer(s.handler())
	defer srv.Close()

	a := newTestAgent(t, testConfig(srv.URL), srv, &testHost{tps: []float64{20}})
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop("test")

	next := testConfig(srv.URL)
	next.Privacy.AnonymizePlayers = true
	require.NoError(t, a.Reload(next))

	a.HandleJoin("uuid-1", "Steve")
	require.Eventually(t, func() bool {
		return len(s.playerEvents()) >= 1
	}, 3*time.Second, 20*time.Millisecond)

	join := s.playerEvents()[0]
	assert.Equal(t, "Player", join.Name)
	assert.Len(t, join.SubjectID, 64, "subject id is digested after reload")
}

func TestReloadRejectsBadConfig(t *testing.T) {
	s := &sink{}
	srv := httptest.NewTLSServer(s.handler())
	defer srv.Close()

	a := newTestAgent(t, testConfig(srv.URL), srv, &testHost{tps: []float64{20}})

	bad := testConfig(srv.URL)
	bad.Collection.BatchInterval = 0
	assert.Error(t, a.Reload(bad))
}

func TestReloadWithoutCredentialDisablesDelivery(t *testing.T) {
	s := &sink{}
	srv := httptest.NewTLSServer(s.handler())
	defer srv.Close()

	a := newTestAgent(t, testConfig(srv.URL), srv, &testHost{tps: []float64{20}})
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop("test")

	next := testConfig(srv.URL)
	next.API.Key = ""
	require.NoError(t, a.Reload(next), "removing the credential is not a reload error")

	a.HandleJoin("uuid-1", "Steve")
	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, s.playerEvents(), "no credential, no delivery")
	assert.False(t, a.Reporter().Snapshot().CredentialConfigured)
}

func TestCallbacksNeverPanic(t *testing.T) {
	s := &sink{}
	srv := httptest.NewTLSServer(s.handler())
	defer srv.Close()

	// nil TPS slice makes the native strategy fail underneath the sampler
	a := newTestAgent(t, testConfig(srv.URL), srv, &testHost{})

	assert.NotPanics(t, func() {
		a.HandleTick()
		a.HandleTickDuration(50 * time.Millisecond)
		a.HandlePreLogin("uuid-1", "host")
		a.HandleJoin("uuid-1", "Steve")
		a.HandleKick("uuid-1", "reason")
		a.HandleQuit("uuid-1", "Steve", "quit")
	})
}

func TestReporterAndMetricsExposed(t *testing.T) {
	s := &sink{}
	srv := httptest.NewTLSServer(s.handler())
	defer srv.Close()

	a := newTestAgent(t, testConfig(srv.URL), srv, &testHost{tps: []float64{18.4}})

	snap := a.Reporter().Snapshot()
	assert.Equal(t, "pvt_***ghij", snap.CredentialMasked)
	assert.InDelta(t, 18.4, snap.TPS, 0.001)

	families, err := a.MetricsRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families, "queue depth gauges register at construction")
}
