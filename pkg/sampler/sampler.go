// Package sampler measures host tick throughput using the best strategy
// the host offers.
//
// Probing happens once at construction, in priority order: a native TPS
// API, privileged tick-duration introspection, then the universal manual
// fallback driven by the per-tick hook. Capability detection is a plain
// interface assertion. A strategy that fails at runtime is permanently
// disabled for the process and the sampler degrades to the next one;
// Sample never returns an error to its callers.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pivotmc/agent/api"
)

// Strategy names reported by StrategyName.
const (
	StrategyNative        = "native"
	StrategyIntrospection = "introspection"
	StrategyManual        = "manual"
)

var errNoMeasurement = errors.New("sampler: no measurement available")

// Strategy is one way of measuring TPS. Sample may fail; the Sampler
// handles degradation.
type Strategy interface {
	Name() string
	Sample() (float64, error)
}

type nativeStrategy struct {
	r api.TPSReporter
}

func (s nativeStrategy) Name() string { return StrategyNative }

func (s nativeStrategy) Sample() (float64, error) {
	vals := s.r.RecentTPS()
	if len(vals) == 0 {
		return 0, errNoMeasurement
	}
	return vals[0], nil
}

type introspectionStrategy struct {
	r api.TickDurationsReader
}

func (s introspectionStrategy) Name() string { return StrategyIntrospection }

func (s introspectionStrategy) Sample() (float64, error) {
	durations := s.r.RecentTickDurations()
	if len(durations) == 0 {
		return 0, errNoMeasurement
	}
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avgMillis := float64(sum) / float64(len(durations)) / float64(time.Millisecond)
	if avgMillis <= 0 {
		return 0, errNoMeasurement
	}
	return 1000.0 / avgMillis, nil
}

type manualStrategy struct {
	meter *TickMeter
}

func (s manualStrategy) Name() string { return StrategyManual }

func (s manualStrategy) Sample() (float64, error) { return s.meter.TPS(), nil }

// Sampler holds the probed strategy chain. Selection is sticky: the chain
// only ever advances, never returns to a disabled strategy.
type Sampler struct {
	mu         sync.Mutex
	strategies []Strategy
	current    int
	log        zerolog.Logger
}

// New probes the host's capabilities and builds the strategy chain. The
// manual fallback is always last, so the chain is never empty.
func New(host api.HostInfo, meter *TickMeter, log zerolog.Logger) *Sampler {
	var strategies []Strategy
	if r, ok := host.(api.TPSReporter); ok {
		strategies = append(strategies, nativeStrategy{r: r})
	}
	if r, ok := host.(api.TickDurationsReader); ok {
		strategies = append(strategies, introspectionStrategy{r: r})
	}
	strategies = append(strategies, manualStrategy{meter: meter})

	s := &Sampler{strategies: strategies, log: log}
	s.log.Info().Str("strategy", s.StrategyName()).Msg("tps strategy selected")
	return s
}

// Sample returns the current TPS clamped to [0, 20]. A failing strategy is
// disabled for the rest of the process lifetime.
func (s *Sampler) Sample() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.current < len(s.strategies) {
		v, err := sampleGuarded(s.strategies[s.current])
		if err == nil {
			return clamp(v)
		}
		s.log.Warn().
			Err(err).
			Str("strategy", s.strategies[s.current].Name()).
			Msg("tps strategy failed, degrading")
		s.current++
	}
	// unreachable while the manual fallback is infallible
	return defaultTPS
}

// StrategyName reports the currently selected strategy.
func (s *Sampler) StrategyName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < len(s.strategies) {
		return s.strategies[s.current].Name()
	}
	return StrategyManual
}

// sampleGuarded converts a panicking host capability into a strategy error
// so a faulty host API degrades the chain instead of unwinding the caller.
func sampleGuarded(s Strategy) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sampler: %s strategy panic: %v", s.Name(), r)
		}
	}()
	return s.Sample()
}

func clamp(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return math.Min(v, defaultTPS)
}
