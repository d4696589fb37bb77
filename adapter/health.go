// Package adapter bridges the agent's read-only projections to external
// operator tooling.
package adapter

import (
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/pivotmc/agent/pkg/status"
)

// maxGoroutines trips the liveness check when the embedding process leaks
// goroutines badly enough to matter; the agent itself runs a handful.
const maxGoroutines = 2000

// NewHealthHandler builds an HTTP liveness/readiness handler over the
// status reporter. Readiness fails until a batch has been delivered within
// staleAfter, so orchestration notices a silently failing collector link.
func NewHealthHandler(r *status.Reporter, staleAfter time.Duration) healthcheck.Handler {
	h := healthcheck.NewHandler()

	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))

	h.AddReadinessCheck("credential-configured", func() error {
		if !r.Snapshot().CredentialConfigured {
			return fmt.Errorf("collector credential not configured")
		}
		return nil
	})

	h.AddReadinessCheck("dispatch-recent", func() error {
		s := r.Snapshot()
		if s.LastDispatchMillis == 0 {
			return fmt.Errorf("no batch delivered yet")
		}
		if s.SinceLastDispatch > staleAfter {
			return fmt.Errorf("last delivery %s ago", s.SinceLastDispatch.Round(time.Second))
		}
		return nil
	})

	return h
}
