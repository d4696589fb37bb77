// Package api defines the contracts between the agent and the embedding
// game server.
//
// The agent consumes these interfaces; the host implements them. Optional
// capabilities are discovered by interface assertion against the HostInfo
// value at construction time, never by reflection at runtime.
package api

import "time"

// HostInfo is the minimum surface every embedding server must provide.
type HostInfo interface {
	// OnlinePlayerCount returns the number of currently connected subjects.
	OnlinePlayerCount() int
	// ServerVersion identifies the host build for lifecycle events.
	ServerVersion() string
	// PluginCount returns the number of loaded extensions.
	PluginCount() int
}

// TPSReporter is an optional host capability: a native high-level TPS API.
// When present it is the sampler's preferred strategy. RecentTPS returns
// one or more averages with the most recent window first.
type TPSReporter interface {
	RecentTPS() []float64
}

// TickDurationsReader is an optional host capability: privileged access to
// the host's raw recent tick durations. Used when no native TPS API exists.
type TickDurationsReader interface {
	RecentTickDurations() []time.Duration
}
