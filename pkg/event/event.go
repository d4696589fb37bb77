// Package event defines the immutable telemetry event values the agent
// buffers and ships to the collector, together with the wire payload schema.
//
// Events are plain values: producers construct them fully before handing
// them to the buffer and never mutate them afterwards.
package event

import "time"

// PlayerEventType identifies a session event on the wire.
type PlayerEventType string

const (
	PlayerJoin PlayerEventType = "PLAYER_JOIN"
	PlayerQuit PlayerEventType = "PLAYER_QUIT"
)

// ConnectionType distinguishes a subject's first session of the process
// lifetime from later reconnects.
type ConnectionType string

const (
	ConnectionInitial   ConnectionType = "initial"
	ConnectionReconnect ConnectionType = "reconnect"
)

// LifecycleKind identifies a server lifecycle event on the wire.
type LifecycleKind string

const (
	ServerStart LifecycleKind = "SERVER_START"
	ServerStop  LifecycleKind = "SERVER_STOP"
)

// Quit reason constants used when no explicit termination reason was
// captured for a subject.
const (
	ReasonTimeout  = "disconnect.timeout"
	ReasonQuitting = "disconnect.quitting"
)

// PlayerEvent is a session start or end record for one subject.
// Optional fields are omitted from the wire representation when unset.
type PlayerEvent struct {
	Timestamp      int64           `json:"timestamp"`
	Type           PlayerEventType `json:"event_type"`
	SubjectID      string          `json:"player_uuid"`
	Name           string          `json:"player_name"`
	Hostname       string          `json:"hostname,omitempty"`
	QuitReason     string          `json:"quit_reason,omitempty"`
	SessionClean   *bool           `json:"session_clean,omitempty"`
	ConnectionType ConnectionType  `json:"connection_type,omitempty"`
}

// HealthSample is one periodic measurement of host tick throughput.
type HealthSample struct {
	Timestamp   int64   `json:"timestamp"`
	TPS         float64 `json:"tps"`
	PlayerCount int     `json:"player_count"`
}

// LifecycleEvent marks a server start or stop.
type LifecycleEvent struct {
	Timestamp     int64         `json:"timestamp"`
	Type          LifecycleKind `json:"event_type"`
	ServerVersion string        `json:"server_version,omitempty"`
	PluginsLoaded int           `json:"plugins_loaded,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// PendingBatch is a point-in-time snapshot taken by a drain. Order within
// each slice equals push order. A batch is serialized once and discarded,
// never mutated.
type PendingBatch struct {
	CreatedAt int64
	Players   []PlayerEvent
	Health    []HealthSample
	Lifecycle []LifecycleEvent
}

// Empty reports whether the batch carries no events at all.
func (b *PendingBatch) Empty() bool {
	return len(b.Players) == 0 && len(b.Health) == 0 && len(b.Lifecycle) == 0
}

// Len returns the total event count across all categories.
func (b *PendingBatch) Len() int {
	return len(b.Players) + len(b.Health) + len(b.Lifecycle)
}

// Payload is the collector wire format for one dispatch cycle.
type Payload struct {
	BatchTimestamp    int64            `json:"batch_timestamp"`
	PlayerEvents      []PlayerEvent    `json:"player_events"`
	PerformanceEvents []HealthSample   `json:"performance_events"`
	ServerEvents      []LifecycleEvent `json:"server_events"`
}

// Now returns the current host wall-clock time in milliseconds, the
// timestamp unit used throughout the payload.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Bool is a helper for the optional session_clean field.
func Bool(v bool) *bool {
	return &v
}
