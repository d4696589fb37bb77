package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validKey = "pvt_0123456789abcdefghij"

func validConfig() *Config {
	cfg := Defaults()
	cfg.API.Endpoint = "https://collect.example.com/v1/batch"
	cfg.API.Key = validKey
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "X-API-Key", cfg.API.KeyHeader)
	assert.Equal(t, 15*time.Second, cfg.API.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Collection.BatchInterval)
	assert.Equal(t, 30*time.Second, cfg.Collection.SampleInterval)
	assert.True(t, cfg.Collection.Enabled)
	assert.True(t, cfg.Collection.TrackPlayerEvents)
	assert.True(t, cfg.Collection.TrackPerformance)
	assert.False(t, cfg.Privacy.AnonymizePlayers)
	assert.True(t, cfg.Privacy.TrackHostnames)
	assert.False(t, cfg.Debug.Enabled)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(c *Config) {}, nil},
		{"missing endpoint", func(c *Config) { c.API.Endpoint = "" }, ErrMissingEndpoint},
		{"http endpoint", func(c *Config) { c.API.Endpoint = "http://collect.example.com" }, ErrInsecureEndpoint},
		{"missing key", func(c *Config) { c.API.Key = "" }, ErrMissingCredential},
		{"whitespace key", func(c *Config) { c.API.Key = "   " }, ErrMissingCredential},
		{"wrong prefix", func(c *Config) { c.API.Key = "sk_0123456789abcdefghij" }, ErrInvalidCredential},
		{"too short", func(c *Config) { c.API.Key = "pvt_short" }, ErrInvalidCredential},
		{"bad characters", func(c *Config) { c.API.Key = "pvt_0123456789abcdef-!" }, ErrInvalidCredential},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestValidateIntervals(t *testing.T) {
	cfg := validConfig()
	cfg.Collection.SampleInterval = 2 * time.Minute
	assert.Error(t, cfg.Validate(), "sample interval must be shorter than batch interval")

	cfg = validConfig()
	cfg.Collection.BatchInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.API.Timeout = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pivot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  endpoint: https://collect.example.com/v1/batch
  key: pvt_0123456789abcdefghij
collection:
  batch_interval: 30s
  sample_interval: 10s
privacy:
  anonymize_players: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://collect.example.com/v1/batch", cfg.API.Endpoint)
	assert.Equal(t, validKey, cfg.API.Key)
	assert.Equal(t, 30*time.Second, cfg.Collection.BatchInterval)
	assert.Equal(t, 10*time.Second, cfg.Collection.SampleInterval)
	assert.True(t, cfg.Privacy.AnonymizePlayers)
	assert.True(t, cfg.Privacy.TrackHostnames, "unset fields keep their defaults")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pivot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  endpoint: https://collect.example.com/v1/batch
  key: pvt_aaaaaaaaaaaaaaaaaaaa
`), 0o600))

	t.Setenv("PIVOT_API_KEY", "pvt_bbbbbbbbbbbbbbbbbbbb")
	t.Setenv("PIVOT_COLLECTION_BATCH_INTERVAL", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pvt_bbbbbbbbbbbbbbbbbbbb", cfg.API.Key)
	assert.Equal(t, 45*time.Second, cfg.Collection.BatchInterval)
}

func TestLoadTrimsCredential(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pivot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  endpoint: https://collect.example.com/v1/batch
  key: "pvt_0123456789abcdefghij  "
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, validKey, cfg.API.Key)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pivot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  endpoint: http://collect.example.com/v1/batch
  key: pvt_0123456789abcdefghij
`), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInsecureEndpoint)
}

func TestLoadMissingFileUsesDefaultsPlusEnv(t *testing.T) {
	t.Setenv("PIVOT_API_ENDPOINT", "https://collect.example.com/v1/batch")
	t.Setenv("PIVOT_API_KEY", validKey)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, validKey, cfg.API.Key)
	assert.Equal(t, 60*time.Second, cfg.Collection.BatchInterval)
}
