// Package dispatch drains the event buffer on a period, assembles the
// batch payload, applies the privacy transform, and ships it to the
// collector.
//
// Delivery is best effort: a failed or rejected batch is logged and
// discarded, never retried and never re-queued, which keeps memory bounded
// under sustained failure and rules out duplicate delivery. Submissions run
// on a worker pool so a hanging collector can never stall the flush tick or
// the host thread.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/pivotmc/agent/internal/metrics"
	"github.com/pivotmc/agent/pkg/buffer"
	"github.com/pivotmc/agent/pkg/event"
	"github.com/pivotmc/agent/pkg/privacy"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultPoolSize = 4
	// responses are only read for log context; cap what a hostile or
	// confused collector can make us buffer.
	maxResponseBytes = 4 << 10
)

// ErrInsecureEndpoint rejects non-HTTPS collector URLs at construction.
var ErrInsecureEndpoint = errors.New("dispatch: collector endpoint must use https")

// Options configures a Dispatcher. Zero values fall back to defaults.
type Options struct {
	Endpoint  string
	Key       string
	KeyHeader string
	Timeout   time.Duration
	PoolSize  int

	Privacy privacy.Options

	// LogBatches logs each outgoing payload with PII redacted.
	LogBatches bool

	// HTTPClient overrides the default client, used by tests.
	HTTPClient *http.Client

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Meter   metric.Meter
}

// runtimeConfig is the hot-reloadable part of the dispatcher's settings,
// swapped atomically so in-flight sends see a consistent view.
type runtimeConfig struct {
	key        string
	priv       privacy.Options
	logBatches bool
}

// Dispatcher owns the drain-assemble-submit cycle.
type Dispatcher struct {
	buf    *buffer.Buffer
	client *http.Client
	pool   *ants.Pool

	endpoint  string
	keyHeader string
	conf      atomic.Pointer[runtimeConfig]

	log       zerolog.Logger
	met       *metrics.Metrics
	tracer    trace.Tracer
	batchSize metric.Int64Histogram

	lastDispatch atomic.Int64 // unix millis of last 2xx, 0 = never
	now          func() int64
}

// New builds a Dispatcher over buf. The endpoint must be HTTPS.
func New(buf *buffer.Buffer, opts Options) (*Dispatcher, error) {
	if !strings.HasPrefix(opts.Endpoint, "https://") {
		return nil, ErrInsecureEndpoint
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	size := opts.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	// Nonblocking: when every worker is tied up in a slow send, Submit
	// fails immediately and the batch is dropped instead of queueing the
	// flush tick behind the network.
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("dispatch: worker pool: %w", err)
	}
	keyHeader := opts.KeyHeader
	if keyHeader == "" {
		keyHeader = "X-API-Key"
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("pivot-agent")
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("pivot-agent")
	}
	batchSize, err := meter.Int64Histogram("pivot.agent.batch.events",
		metric.WithDescription("Events per delivered batch."))
	if err != nil {
		return nil, fmt.Errorf("dispatch: meter: %w", err)
	}

	d := &Dispatcher{
		buf:       buf,
		client:    client,
		pool:      pool,
		endpoint:  opts.Endpoint,
		keyHeader: keyHeader,
		log:       opts.Logger,
		met:       opts.Metrics,
		tracer:    tracer,
		batchSize: batchSize,
		now:       event.Now,
	}
	d.conf.Store(&runtimeConfig{
		key:        strings.TrimSpace(opts.Key),
		priv:       opts.Privacy,
		logBatches: opts.LogBatches,
	})
	return d, nil
}

// Reconfigure swaps the credential and redaction settings, e.g. after a
// configuration reload. An empty key disables delivery without stopping
// the pipeline.
func (d *Dispatcher) Reconfigure(key string, priv privacy.Options, logBatches bool) {
	d.conf.Store(&runtimeConfig{
		key:        strings.TrimSpace(key),
		priv:       priv,
		logBatches: logBatches,
	})
}

// LastDispatch returns the unix-millisecond time of the last successful
// delivery, 0 when nothing has been delivered yet.
func (d *Dispatcher) LastDispatch() int64 {
	return d.lastDispatch.Load()
}

// Flush drains the buffer and submits one batch asynchronously. An empty
// drain performs no network activity at all. Flush itself never blocks on
// the network; it returns once the submission is handed to the pool.
func (d *Dispatcher) Flush(ctx context.Context) {
	_, span := d.tracer.Start(ctx, "dispatch.flush")
	defer span.End()

	batch := d.buf.Drain()
	if batch.Empty() {
		d.log.Debug().Msg("flush: nothing queued")
		return
	}
	span.SetAttributes(attribute.Int("batch.events", batch.Len()))

	conf := d.conf.Load()
	if conf.key == "" {
		d.log.Warn().Int("events", batch.Len()).Msg("credential not configured, delivery disabled; batch discarded")
		d.fail(metrics.FailureDisabled)
		return
	}

	buf, err := d.encode(d.assemble(batch, conf.priv))
	if err != nil {
		d.log.Error().Err(err).Msg("encode batch payload")
		d.fail(metrics.FailureRejected)
		return
	}

	if conf.logBatches {
		d.log.Info().Str("payload", privacy.RedactPayload(buf.Bytes())).Msg("sending batch")
	}

	events := batch.Len()
	submit := func() {
		defer bytebufferpool.Put(buf)
		d.send(buf.Bytes(), events)
	}
	if err := d.pool.Submit(submit); err != nil {
		bytebufferpool.Put(buf)
		d.log.Warn().Err(err).Int("events", events).Msg("submission pool saturated; batch discarded")
		d.fail(metrics.FailureOverloaded)
	}
}

// SendLifecycleSync delivers a single lifecycle event synchronously. Used
// on shutdown for the stop signal, which must go out before the process
// exits.
func (d *Dispatcher) SendLifecycleSync(e event.LifecycleEvent) error {
	if d.conf.Load().key == "" {
		return errors.New("dispatch: credential not configured")
	}
	payload := event.Payload{
		BatchTimestamp:    d.now(),
		PlayerEvents:      []event.PlayerEvent{},
		PerformanceEvents: []event.HealthSample{},
		ServerEvents:      []event.LifecycleEvent{e},
	}
	buf, err := d.encode(payload)
	if err != nil {
		return fmt.Errorf("dispatch: encode lifecycle payload: %w", err)
	}
	defer bytebufferpool.Put(buf)
	d.send(buf.Bytes(), 1)
	return nil
}

// Probe checks collector reachability with bounded exponential backoff.
// Any HTTP response counts as reachable; the result is advisory and a
// failure never prevents startup.
func (d *Dispatcher) Probe(ctx context.Context) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("dispatch: collector unreachable: %w", err)
	}
	return nil
}

// Close releases the worker pool, letting in-flight submissions finish
// within the grace period.
func (d *Dispatcher) Close(grace time.Duration) {
	if err := d.pool.ReleaseTimeout(grace); err != nil {
		d.log.Warn().Err(err).Msg("submission pool shutdown timed out")
	}
}

// assemble applies the privacy transform and builds the wire payload. The
// arrays are always present on the wire, empty when a category drained
// nothing.
func (d *Dispatcher) assemble(batch event.PendingBatch, priv privacy.Options) event.Payload {
	players := make([]event.PlayerEvent, 0, len(batch.Players))
	for _, e := range batch.Players {
		players = append(players, privacy.Transform(e, priv))
	}
	health := batch.Health
	if health == nil {
		health = []event.HealthSample{}
	}
	lifecycle := batch.Lifecycle
	if lifecycle == nil {
		lifecycle = []event.LifecycleEvent{}
	}
	return event.Payload{
		BatchTimestamp:    d.now(),
		PlayerEvents:      players,
		PerformanceEvents: health,
		ServerEvents:      lifecycle,
	}
}

func (d *Dispatcher) encode(payload event.Payload) (*bytebufferpool.ByteBuffer, error) {
	buf := bytebufferpool.Get()
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		bytebufferpool.Put(buf)
		return nil, err
	}
	return buf, nil
}

// send performs one POST and classifies the response. It runs on a pool
// worker (or the shutdown path) and must not panic past its own frame.
func (d *Dispatcher) send(body []byte, events int) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("batch submission panicked")
		}
	}()

	req, err := http.NewRequest(http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		d.log.Error().Err(err).Msg("build batch request")
		d.fail(metrics.FailureNetwork)
		return
	}
	key := d.conf.Load().key
	req.Header.Set(d.keyHeader, key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn().Err(err).Int("events", events).Msg("batch delivery failed; batch discarded")
		d.fail(metrics.FailureNetwork)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	detail := privacy.RedactCredential(string(respBody), key)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		now := d.now()
		d.lastDispatch.Store(now)
		if d.met != nil {
			d.met.BatchesSent.Inc()
			d.met.EventsDelivered.Add(float64(events))
			d.met.LastDispatchUnix.Set(float64(now) / 1000)
		}
		d.batchSize.Record(context.Background(), int64(events))
		d.log.Debug().Int("events", events).Msg("batch delivered")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// persistent misconfiguration; keep attempting so an operator fix
		// takes effect without a restart
		d.log.Error().Int("status", resp.StatusCode).Str("body", detail).Msg("collector rejected credential; check api.key")
		d.fail(metrics.FailureAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		d.log.Warn().Int("events", events).Msg("collector rate limited; batch discarded")
		d.fail(metrics.FailureThrottled)
	case resp.StatusCode >= 500:
		d.log.Warn().Int("status", resp.StatusCode).Int("events", events).Msg("collector error; batch discarded")
		d.fail(metrics.FailureServer)
	default:
		d.log.Warn().Int("status", resp.StatusCode).Str("body", detail).Msg("collector rejected payload; batch discarded")
		d.fail(metrics.FailureRejected)
	}
}

func (d *Dispatcher) fail(reason string) {
	if d.met != nil {
		d.met.BatchFailures.WithLabelValues(reason).Inc()
	}
}
