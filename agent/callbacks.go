package agent

import (
	"runtime/debug"
	"time"
)

// guard runs fn with a recover barrier. The pipeline degrades, the host
// thread never sees the fault.
func (a *Agent) guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().
				Str("op", op).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in telemetry pipeline")
		}
	}()
	fn()
}

// HandleTick records one completed server tick. Hot path: called up to
// twenty times a second from the main server thread.
func (a *Agent) HandleTick() {
	a.guard("tick", a.meter.Tick)
}

// HandleTickDuration records an externally measured tick duration, for
// hosts that time their own ticks instead of signalling completion.
func (a *Agent) HandleTickDuration(d time.Duration) {
	a.guard("tick", func() { a.meter.Record(d) })
}

// HandlePreLogin captures the hostname a connecting player used, before
// the player is visible to the rest of the server.
func (a *Agent) HandlePreLogin(subjectID, hostname string) {
	a.guard("prelogin", func() { a.correlator.PreLogin(subjectID, hostname) })
}

// HandleJoin records a completed login.
func (a *Agent) HandleJoin(subjectID, name string) {
	a.guard("join", func() { a.correlator.Join(subjectID, name) })
}

// HandleKick captures the reason for a forced disconnect. The quit
// callback that follows consumes it.
func (a *Agent) HandleKick(subjectID, reason string) {
	a.guard("kick", func() { a.correlator.Kick(subjectID, reason) })
}

// HandleQuit records a disconnect and releases everything cached for the
// player.
func (a *Agent) HandleQuit(subjectID, name, message string) {
	a.guard("quit", func() { a.correlator.Quit(subjectID, name, message) })
}
