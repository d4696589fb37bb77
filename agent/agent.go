// Package agent wires the telemetry pipeline together and exposes the
// surface an embedding game server interacts with: lifecycle management,
// host event callbacks, the per-tick hook, and read-only projections.
//
// The host calls the Handle* methods from its own execution thread. Every
// one of them is guarded: no fault inside the pipeline may ever unwind
// into the host's call stack, because an uncaught panic there would take
// the whole server down.
package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pivotmc/agent/api"
	"github.com/pivotmc/agent/internal/config"
	"github.com/pivotmc/agent/internal/log"
	"github.com/pivotmc/agent/internal/metrics"
	"github.com/pivotmc/agent/pkg/buffer"
	"github.com/pivotmc/agent/pkg/dispatch"
	"github.com/pivotmc/agent/pkg/event"
	"github.com/pivotmc/agent/pkg/privacy"
	"github.com/pivotmc/agent/pkg/sampler"
	"github.com/pivotmc/agent/pkg/session"
	"github.com/pivotmc/agent/pkg/status"
)

// shutdownGrace bounds how long Stop waits for in-flight submissions.
const shutdownGrace = 5 * time.Second

// Options carries optional overrides for New. The zero value is fine.
type Options struct {
	// HTTPClient overrides the dispatcher's client, used by tests.
	HTTPClient *http.Client
	// Logger overrides the default component logger.
	Logger *zerolog.Logger
	// Tracer and Meter hook the dispatcher into the host's telemetry.
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Agent is one embedded telemetry pipeline instance. Construct it once at
// server start and keep it for the process lifetime.
type Agent struct {
	cfg  atomic.Pointer[config.Config]
	host api.HostInfo

	met        *metrics.Metrics
	buf        *buffer.Buffer
	meter      *sampler.TickMeter
	sampler    *sampler.Sampler
	correlator *session.Correlator
	dispatcher *dispatch.Dispatcher
	reporter   *status.Reporter

	log zerolog.Logger

	mu         sync.Mutex
	started    bool
	taskCancel context.CancelFunc
	tasks      sync.WaitGroup
}

var errAlreadyStarted = errors.New("agent: already started")

// New validates cfg and wires the pipeline. A configuration that fails
// validation aborts construction; the agent must not run silently broken.
func New(cfg *config.Config, host api.HostInfo, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.WithComponent("agent")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	met := metrics.New()
	buf := buffer.New(met)
	met.ObserveQueueDepths(buf)

	meter := sampler.NewTickMeter()
	smp := sampler.New(host, meter, logger.With().Str("component", "sampler").Logger())

	corr := session.New(buf, session.Options{
		TrackHostnames:    cfg.Privacy.TrackHostnames,
		TrackPlayerEvents: cfg.Collection.TrackPlayerEvents,
	}, logger.With().Str("component", "session").Logger())

	disp, err := dispatch.New(buf, dispatch.Options{
		Endpoint:   cfg.API.Endpoint,
		Key:        cfg.API.Key,
		KeyHeader:  cfg.API.KeyHeader,
		Timeout:    cfg.API.Timeout,
		Privacy:    privacyOptions(cfg),
		LogBatches: cfg.Debug.LogBatches,
		HTTPClient: opts.HTTPClient,
		Logger:     logger.With().Str("component", "dispatch").Logger(),
		Metrics:    met,
		Tracer:     opts.Tracer,
		Meter:      opts.Meter,
	})
	if err != nil {
		return nil, err
	}

	a := &Agent{
		host:       host,
		met:        met,
		buf:        buf,
		meter:      meter,
		sampler:    smp,
		correlator: corr,
		dispatcher: disp,
		log:        logger,
	}
	a.cfg.Store(cfg)
	a.reporter = status.New(a.config, buf, smp, disp)
	return a, nil
}

func (a *Agent) config() *config.Config { return a.cfg.Load() }

func privacyOptions(cfg *config.Config) privacy.Options {
	return privacy.Options{
		AnonymizeSubjects: cfg.Privacy.AnonymizePlayers,
		TrackHostnames:    cfg.Privacy.TrackHostnames,
	}
}

// Start launches the periodic sampling and flush tasks and queues the
// server-start lifecycle event. With collection disabled it logs and does
// nothing else.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errAlreadyStarted
	}
	cfg := a.config()

	a.logConfiguration(cfg)

	if !cfg.Collection.Enabled {
		a.log.Warn().Msg("data collection disabled by configuration")
		a.started = true
		return nil
	}

	// advisory reachability check; failure is logged, never fatal
	go a.guard("probe", func() {
		if err := a.dispatcher.Probe(ctx); err != nil {
			a.log.Warn().Err(err).Msg("collector connectivity check failed")
		} else {
			a.log.Info().Msg("collector reachable")
		}
	})

	if err := a.buf.PushLifecycle(event.LifecycleEvent{
		Timestamp:     event.Now(),
		Type:          event.ServerStart,
		ServerVersion: a.host.ServerVersion(),
		PluginsLoaded: a.host.PluginCount(),
	}); err != nil {
		a.log.Warn().Err(err).Msg("queue server start event")
	}

	a.startTasks(cfg)
	a.started = true
	a.log.Info().Str("strategy", a.sampler.StrategyName()).Msg("telemetry agent started")
	return nil
}

// startTasks launches the background loops. Caller holds a.mu.
func (a *Agent) startTasks(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	a.taskCancel = cancel

	if cfg.Collection.TrackPerformance {
		a.tasks.Add(1)
		go a.sampleLoop(ctx, cfg.Collection.SampleInterval)
	}
	a.tasks.Add(1)
	go a.flushLoop(ctx, cfg.Collection.BatchInterval)
}

// stopTasks cancels the background loops and waits for them. Caller holds
// a.mu.
func (a *Agent) stopTasks() {
	if a.taskCancel == nil {
		return
	}
	a.taskCancel()
	a.taskCancel = nil
	a.tasks.Wait()
}

func (a *Agent) sampleLoop(ctx context.Context, interval time.Duration) {
	defer a.tasks.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.guard("sample", a.samplePerformance)
		}
	}
}

func (a *Agent) samplePerformance() {
	tps := a.sampler.Sample()
	count := a.host.OnlinePlayerCount()
	if err := a.buf.PushHealth(event.HealthSample{
		Timestamp:   event.Now(),
		TPS:         tps,
		PlayerCount: count,
	}); err != nil {
		a.log.Warn().Err(err).Msg("queue health sample")
		return
	}
	if a.config().Debug.Enabled {
		a.log.Debug().Float64("tps", tps).Int("players", count).Msg("sampled")
	}
}

func (a *Agent) flushLoop(ctx context.Context, interval time.Duration) {
	defer a.tasks.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.guard("flush", func() { a.dispatcher.Flush(ctx) })
		}
	}
}

// Stop cancels the periodic tasks, synchronously delivers the server-stop
// signal, and flushes whatever is still buffered on a best-effort basis.
func (a *Agent) Stop(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	a.stopTasks()

	if a.config().Collection.Enabled {
		// the stop signal is the one delivery that blocks: it cannot be
		// handed to a task that dies with the process
		if err := a.dispatcher.SendLifecycleSync(event.LifecycleEvent{
			Timestamp: event.Now(),
			Type:      event.ServerStop,
			Reason:    reason,
		}); err != nil {
			a.log.Warn().Err(err).Msg("send server stop event")
		}

		a.log.Info().Msg("flushing remaining events before shutdown")
		a.dispatcher.Flush(context.Background())
	}

	a.dispatcher.Close(shutdownGrace)
	a.buf.Dispose()
	a.started = false
	a.log.Info().Msg("telemetry agent stopped")
}

// Reload swaps the active configuration: the credential and redaction
// settings take effect immediately, the periodic tasks restart with the
// new intervals. The endpoint cannot change without constructing a new
// agent.
func (a *Agent) Reload(cfg *config.Config) error {
	// a credential removed at runtime disables delivery instead of
	// rejecting the whole reload; everything else still validates
	if err := cfg.Validate(); err != nil && !errors.Is(err, config.ErrMissingCredential) {
		return err
	} else if err != nil {
		a.log.Warn().Msg("credential removed; delivery disabled until one is configured")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cfg.Store(cfg)
	a.dispatcher.Reconfigure(cfg.API.Key, privacyOptions(cfg), cfg.Debug.LogBatches)
	a.correlator.Reconfigure(session.Options{
		TrackHostnames:    cfg.Privacy.TrackHostnames,
		TrackPlayerEvents: cfg.Collection.TrackPlayerEvents,
	})

	if a.started {
		a.stopTasks()
		if cfg.Collection.Enabled {
			a.startTasks(cfg)
		}
	}
	a.log.Info().
		Dur("batch_interval", cfg.Collection.BatchInterval).
		Dur("sample_interval", cfg.Collection.SampleInterval).
		Msg("configuration reloaded")
	return nil
}

// Reporter exposes the live status projection.
func (a *Agent) Reporter() *status.Reporter { return a.reporter }

// MetricsRegistry exposes the agent's private Prometheus registry so the
// host can serve or scrape it.
func (a *Agent) MetricsRegistry() *prometheus.Registry { return a.met.Registry() }

// logConfiguration logs the active settings with the credential masked.
func (a *Agent) logConfiguration(cfg *config.Config) {
	a.log.Info().
		Str("endpoint", cfg.API.Endpoint).
		Str("key", privacy.MaskCredential(cfg.API.Key)).
		Bool("collection_enabled", cfg.Collection.Enabled).
		Dur("batch_interval", cfg.Collection.BatchInterval).
		Dur("sample_interval", cfg.Collection.SampleInterval).
		Bool("anonymize_players", cfg.Privacy.AnonymizePlayers).
		Bool("track_hostnames", cfg.Privacy.TrackHostnames).
		Bool("debug", cfg.Debug.Enabled).
		Msg("configuration")
	if cfg.Privacy.AnonymizePlayers {
		a.log.Warn().Msg("player anonymization enabled; player-level analytics will be limited")
	}
}
