package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultPaths lists where a config file is searched, first match wins.
var DefaultPaths = []string{
	"pivot.yaml",
	"pivot.yml",
	"config/pivot.yaml",
}

// PathEnvVar overrides the config file location.
const PathEnvVar = "PIVOT_CONFIG"

// envPrefix namespaces the agent's environment variables, e.g.
// PIVOT_API_KEY -> api.key, PIVOT_COLLECTION_BATCH_INTERVAL ->
// collection.batch_interval.
const envPrefix = "PIVOT_"

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, validates it, and returns it. path may be empty
// to use PIVOT_CONFIG or the default search paths.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.API.Key = strings.TrimSpace(cfg.API.Key)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform maps PIVOT_API_KEY to api.key: strip the prefix, lowercase,
// and turn only the first underscore into the section separator so nested
// keys keep their own underscores (collection.batch_interval).
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
