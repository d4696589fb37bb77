// Package privacy implements the redaction applied to events at
// serialization time and the masking used when configuration or payloads
// are logged.
//
// The transform runs only when a batch is assembled, never earlier, so
// in-memory buffers and status projections always show true data to the
// operator.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/pivotmc/agent/pkg/event"
)

// placeholderName replaces the display name when anonymizing.
const placeholderName = "Player"

// redacted replaces PII values in debug payload logs.
const redacted = "[REDACTED]"

// Options selects which redactions apply.
type Options struct {
	// AnonymizeSubjects replaces the subject id with a one-way digest and
	// the display name with a fixed placeholder.
	AnonymizeSubjects bool
	// TrackHostnames keeps the origin hostname on the wire; when false the
	// field is dropped entirely.
	TrackHostnames bool
}

// Transform returns a redacted copy of e per opts. It is pure: the input
// is never modified.
func Transform(e event.PlayerEvent, opts Options) event.PlayerEvent {
	if opts.AnonymizeSubjects {
		e.SubjectID = DigestSubjectID(e.SubjectID)
		e.Name = placeholderName
	}
	if !opts.TrackHostnames {
		e.Hostname = ""
	}
	return e
}

// DigestSubjectID maps a subject id to a deterministic 64-hex-character
// SHA-256 digest. The same raw id always produces the same digest so
// anonymized events still correlate across a session.
func DigestSubjectID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// MaskCredential renders a credential as a short prefix and suffix with
// the middle hidden, or a fixed marker when it is too short to mask
// safely.
func MaskCredential(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}

// RedactCredential removes a credential from free-form text such as
// collector response bodies before they reach the log.
func RedactCredential(text, key string) string {
	if key == "" {
		return text
	}
	return strings.ReplaceAll(text, key, redacted)
}

// RedactPayload blanks the PII fields of a serialized batch payload for
// debug logging. On any parse failure the payload is hidden wholesale
// rather than logged raw.
func RedactPayload(raw []byte) string {
	var payload struct {
		BatchTimestamp    int64                  `json:"batch_timestamp"`
		PlayerEvents      []map[string]any       `json:"player_events"`
		PerformanceEvents []event.HealthSample   `json:"performance_events"`
		ServerEvents      []event.LifecycleEvent `json:"server_events"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "[unable to redact payload, hidden]"
	}
	for _, p := range payload.PlayerEvents {
		for _, field := range []string{"player_uuid", "player_name", "hostname"} {
			if _, ok := p[field]; ok {
				p[field] = redacted
			}
		}
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "[unable to redact payload, hidden]"
	}
	return string(out)
}
