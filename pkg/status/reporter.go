// Package status projects the pipeline's counters and configuration into a
// read-only snapshot for the operator surface. It contains no pipeline
// logic and mutates nothing.
package status

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pivotmc/agent/internal/config"
	"github.com/pivotmc/agent/pkg/privacy"
)

// dispatchHealthyWindow is how recently a batch must have been delivered
// for the snapshot to call delivery healthy.
const dispatchHealthyWindow = 2 * time.Minute

// QueueDepths is implemented by the event buffer.
type QueueDepths interface {
	Depths() (players, health, lifecycle int64)
}

// HealthSource is implemented by the sampler.
type HealthSource interface {
	Sample() float64
	StrategyName() string
}

// DispatchSource is implemented by the dispatcher.
type DispatchSource interface {
	LastDispatch() int64
}

// ConfigSource returns the currently active configuration; a function so a
// reload is reflected in the next snapshot.
type ConfigSource func() *config.Config

// Snapshot is one point-in-time projection of the pipeline.
type Snapshot struct {
	CollectionEnabled bool
	Endpoint          string
	// CredentialMasked shows a prefix/suffix of the configured credential,
	// never the full value.
	CredentialMasked     string
	CredentialConfigured bool

	QueuedPlayerEvents    int64
	QueuedHealthSamples   int64
	QueuedLifecycleEvents int64

	TPS      float64
	Strategy string

	// LastDispatchMillis is 0 when nothing has been delivered yet.
	LastDispatchMillis int64
	SinceLastDispatch  time.Duration
	DispatchHealthy    bool

	AnonymizePlayers bool
	TrackHostnames   bool
	DebugEnabled     bool
	BatchInterval    time.Duration
	SampleInterval   time.Duration

	Uptime time.Duration

	// Process diagnostics; zero when unavailable on the platform.
	ProcessRSSBytes uint64
	HostCPUPercent  float64
}

// Reporter aggregates read-only views of the pipeline components.
type Reporter struct {
	cfg      ConfigSource
	depths   QueueDepths
	health   HealthSource
	dispatch DispatchSource
	proc     *process.Process
	started  time.Time
	now      func() time.Time
}

// New builds a reporter over the given components.
func New(cfg ConfigSource, depths QueueDepths, health HealthSource, dispatch DispatchSource) *Reporter {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &Reporter{
		cfg:      cfg,
		depths:   depths,
		health:   health,
		dispatch: dispatch,
		proc:     proc,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Snapshot gathers the current projection. Safe to call from any
// goroutine; all reads are bounded.
func (r *Reporter) Snapshot() Snapshot {
	players, health, lifecycle := r.depths.Depths()
	now := r.now()
	cfg := r.cfg()

	s := Snapshot{
		CollectionEnabled:     cfg.Collection.Enabled,
		Endpoint:              cfg.API.Endpoint,
		CredentialMasked:      privacy.MaskCredential(cfg.API.Key),
		CredentialConfigured:  cfg.API.Key != "",
		QueuedPlayerEvents:    players,
		QueuedHealthSamples:   health,
		QueuedLifecycleEvents: lifecycle,
		TPS:                   r.health.Sample(),
		Strategy:              r.health.StrategyName(),
		LastDispatchMillis:    r.dispatch.LastDispatch(),
		AnonymizePlayers:      cfg.Privacy.AnonymizePlayers,
		TrackHostnames:        cfg.Privacy.TrackHostnames,
		DebugEnabled:          cfg.Debug.Enabled,
		BatchInterval:         cfg.Collection.BatchInterval,
		SampleInterval:        cfg.Collection.SampleInterval,
		Uptime:                now.Sub(r.started),
	}

	if s.LastDispatchMillis > 0 {
		s.SinceLastDispatch = now.Sub(time.UnixMilli(s.LastDispatchMillis))
		s.DispatchHealthy = s.SinceLastDispatch < dispatchHealthyWindow
	}

	if r.proc != nil {
		if mi, err := r.proc.MemoryInfo(); err == nil && mi != nil {
			s.ProcessRSSBytes = mi.RSS
		}
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.HostCPUPercent = percents[0]
	}
	return s
}
