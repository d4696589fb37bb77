// Package config loads and validates the agent's configuration.
//
// Loading order: built-in defaults, then an optional YAML file, then
// environment variables. The result is immutable after Load and safe for
// concurrent reads. Validation is a startup gate: an agent must refuse to
// start on an insecure endpoint or a malformed credential rather than run
// silently broken.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds everything the agent reads at runtime.
type Config struct {
	API        APIConfig        `koanf:"api"`
	Collection CollectionConfig `koanf:"collection"`
	Privacy    PrivacyConfig    `koanf:"privacy"`
	Debug      DebugConfig      `koanf:"debug"`
}

// APIConfig describes the remote collector.
type APIConfig struct {
	// Endpoint is the HTTPS URL batches are POSTed to. Non-HTTPS values
	// fail validation.
	Endpoint string `koanf:"endpoint"`
	// Key is the collector credential. Whitespace is trimmed on load so a
	// trailing newline in a secrets file never reaches the wire.
	Key string `koanf:"key"`
	// KeyHeader is the header the credential is sent in. Collectors have
	// disagreed about this name across revisions, so it is configuration.
	KeyHeader string `koanf:"key_header"`
	// Timeout bounds each batch submission.
	Timeout time.Duration `koanf:"timeout"`
}

// CollectionConfig controls what is collected and how often it ships.
type CollectionConfig struct {
	Enabled           bool          `koanf:"enabled"`
	BatchInterval     time.Duration `koanf:"batch_interval"`
	SampleInterval    time.Duration `koanf:"sample_interval"`
	TrackPlayerEvents bool          `koanf:"track_player_events"`
	TrackPerformance  bool          `koanf:"track_performance"`
}

// PrivacyConfig controls the serialization-time transform.
type PrivacyConfig struct {
	AnonymizePlayers bool `koanf:"anonymize_players"`
	TrackHostnames   bool `koanf:"track_hostnames"`
}

// DebugConfig gates verbose logging paths.
type DebugConfig struct {
	Enabled    bool `koanf:"enabled"`
	LogBatches bool `koanf:"log_batches"`
}

// Validation errors surfaced as startup aborts.
var (
	ErrMissingEndpoint   = errors.New("config: api.endpoint not configured")
	ErrInsecureEndpoint  = errors.New("config: api.endpoint must use https")
	ErrMissingCredential = errors.New("config: api.key not configured")
	ErrInvalidCredential = errors.New("config: api.key is malformed")
)

// credentialPrefix is the issuer's key format marker; rejecting other
// prefixes catches pasted garbage before the first request fails.
const credentialPrefix = "pvt_"

const minCredentialLen = 20

var credentialPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		API: APIConfig{
			Endpoint:  "",
			Key:       "",
			KeyHeader: "X-API-Key",
			Timeout:   15 * time.Second,
		},
		Collection: CollectionConfig{
			Enabled:           true,
			BatchInterval:     60 * time.Second,
			SampleInterval:    30 * time.Second,
			TrackPlayerEvents: true,
			TrackPerformance:  true,
		},
		Privacy: PrivacyConfig{
			AnonymizePlayers: false,
			TrackHostnames:   true,
		},
		Debug: DebugConfig{
			Enabled:    false,
			LogBatches: false,
		},
	}
}

// Validate checks the configuration for startup. Interval problems,
// insecure endpoints and malformed credentials are all fatal here; a
// credential that disappears later (reload) merely disables delivery.
func (c *Config) Validate() error {
	if c.API.Endpoint == "" {
		return ErrMissingEndpoint
	}
	u, err := url.Parse(c.API.Endpoint)
	if err != nil {
		return fmt.Errorf("config: api.endpoint: %w", err)
	}
	if u.Scheme != "https" {
		return ErrInsecureEndpoint
	}

	key := strings.TrimSpace(c.API.Key)
	switch {
	case key == "":
		return ErrMissingCredential
	case !strings.HasPrefix(key, credentialPrefix):
		return fmt.Errorf("%w: must start with %q", ErrInvalidCredential, credentialPrefix)
	case len(key) < minCredentialLen:
		return fmt.Errorf("%w: shorter than %d characters", ErrInvalidCredential, minCredentialLen)
	case !credentialPattern.MatchString(key):
		return fmt.Errorf("%w: contains characters outside [A-Za-z0-9_]", ErrInvalidCredential)
	}

	if c.API.KeyHeader == "" {
		return errors.New("config: api.key_header must not be empty")
	}
	if c.API.Timeout <= 0 {
		return errors.New("config: api.timeout must be positive")
	}
	if c.Collection.BatchInterval <= 0 {
		return errors.New("config: collection.batch_interval must be positive")
	}
	if c.Collection.SampleInterval <= 0 {
		return errors.New("config: collection.sample_interval must be positive")
	}
	if c.Collection.SampleInterval >= c.Collection.BatchInterval {
		return errors.New("config: collection.sample_interval must be shorter than collection.batch_interval")
	}
	return nil
}

// CheckFilePermissions warns when the config file is readable or writable
// by group or others; it typically contains the collector credential.
// Non-POSIX filesystems report synthetic modes and are skipped.
func CheckFilePermissions(path string, log zerolog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		log.Warn().Str("path", path).Msg("config file is readable by group/others; chmod 600 recommended to protect the credential")
	}
	if mode&0o022 != 0 {
		log.Warn().Str("path", path).Msg("config file is writable by group/others")
	}
}
