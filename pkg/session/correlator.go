// Package session turns raw host notifications into enriched session
// events.
//
// Pre-session attribution and forced-termination reasons arrive on earlier
// notifications than the events they belong to, so they are parked in
// transient caches keyed by subject id and consumed (read-and-remove) by
// the later notification. Every insertion has a matching removal on the
// subject's termination path; there is no sweep. Hosts may deliver
// callbacks concurrently for different subjects, hence the concurrent maps.
package session

import (
	"strings"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/pivotmc/agent/pkg/event"
)

// Sink receives the enriched session events, normally the event buffer.
type Sink interface {
	PushPlayer(event.PlayerEvent) error
}

// Options controls what the correlator captures.
type Options struct {
	// TrackHostnames gates pre-session attribution capture.
	TrackHostnames bool
	// TrackPlayerEvents gates event emission. Cache purging still runs
	// when disabled so toggling the flag never leaks entries.
	TrackPlayerEvents bool
}

// Correlator is the per-subject session state machine.
type Correlator struct {
	hostnames   cmap.ConcurrentMap[string, string]
	kickReasons cmap.ConcurrentMap[string, string]
	seen        cmap.ConcurrentMap[string, struct{}]

	sink Sink
	opts atomic.Pointer[Options]
	log  zerolog.Logger
	now  func() int64
}

// New creates a correlator emitting into sink.
func New(sink Sink, opts Options, log zerolog.Logger) *Correlator {
	c := &Correlator{
		hostnames:   cmap.New[string](),
		kickReasons: cmap.New[string](),
		seen:        cmap.New[struct{}](),
		sink:        sink,
		log:         log,
		now:         event.Now,
	}
	c.opts.Store(&opts)
	return c
}

// Reconfigure swaps the tracking options, e.g. after a configuration
// reload. The seen-subject set and any cached entries are kept.
func (c *Correlator) Reconfigure(opts Options) {
	c.opts.Store(&opts)
}

// PreLogin caches the origin hostname ahead of the session-start
// notification for the same subject.
func (c *Correlator) PreLogin(subjectID, hostname string) {
	if !c.opts.Load().TrackHostnames || hostname == "" {
		return
	}
	c.hostnames.Set(subjectID, hostname)
	c.log.Debug().Str("subject", subjectID).Str("hostname", hostname).Msg("pre-session attribution captured")
}

// Join emits a session start, consuming any cached attribution.
func (c *Correlator) Join(subjectID, name string) {
	if !c.opts.Load().TrackPlayerEvents {
		c.hostnames.Remove(subjectID)
		return
	}

	hostname, _ := c.hostnames.Pop(subjectID)

	connection := event.ConnectionInitial
	if c.seen.Has(subjectID) {
		connection = event.ConnectionReconnect
	}
	c.seen.Set(subjectID, struct{}{})

	e := event.PlayerEvent{
		Timestamp:      c.now(),
		Type:           event.PlayerJoin,
		SubjectID:      subjectID,
		Name:           name,
		Hostname:       hostname,
		ConnectionType: connection,
	}
	if err := c.sink.PushPlayer(e); err != nil {
		c.log.Warn().Err(err).Msg("drop join event")
	}
}

// Kick caches a forced-termination reason for the subsequent quit
// notification. No event is emitted here.
func (c *Correlator) Kick(subjectID, reason string) {
	if !c.opts.Load().TrackPlayerEvents {
		return
	}
	c.kickReasons.Set(subjectID, reason)
}

// Quit emits a session end and purges both caches for the subject. With no
// cached forced-termination reason the close message is classified by a
// textual timeout heuristic.
func (c *Correlator) Quit(subjectID, name, closeMessage string) {
	c.hostnames.Remove(subjectID)

	if !c.opts.Load().TrackPlayerEvents {
		c.kickReasons.Remove(subjectID)
		return
	}

	reason, forced := c.kickReasons.Pop(subjectID)
	clean := false
	if !forced {
		if isTimeoutMessage(closeMessage) {
			reason = event.ReasonTimeout
		} else {
			reason = event.ReasonQuitting
			clean = true
		}
	}

	e := event.PlayerEvent{
		Timestamp:    c.now(),
		Type:         event.PlayerQuit,
		SubjectID:    subjectID,
		Name:         name,
		QuitReason:   reason,
		SessionClean: event.Bool(clean),
	}
	if err := c.sink.PushPlayer(e); err != nil {
		c.log.Warn().Err(err).Msg("drop quit event")
	}
}

// AttributionCacheLen reports cached pre-session attributions, for
// diagnostics.
func (c *Correlator) AttributionCacheLen() int { return c.hostnames.Count() }

// ReasonCacheLen reports cached forced-termination reasons, for
// diagnostics.
func (c *Correlator) ReasonCacheLen() int { return c.kickReasons.Count() }

// SeenSubjects reports how many distinct subjects joined this process
// lifetime.
func (c *Correlator) SeenSubjects() int { return c.seen.Count() }

func isTimeoutMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out")
}
