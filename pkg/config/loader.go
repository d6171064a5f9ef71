package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	envPrefix = "MCPTEL_"
)

// Load reads configuration from a YAML file, then overrides with MCPTEL_*
// environment variables, then applies defaults and validates.
//
// Precedence (highest to lowest):
//  1. Environment variables (MCPTEL_SERVER_NAME, MCPTEL_SESSION_FLUSH_INTERVAL, ...)
//  2. YAML config file
//  3. Defaults
//
// An empty path skips the file and loads from environment only.
func Load(path string) (*Telemetry, error) {
	var content []byte
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}

		content, err = io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return LoadBytes(content)
}

// LoadBytes loads configuration from raw YAML content plus MCPTEL_* env
// overrides. A nil or empty slice loads from environment only.
func LoadBytes(content []byte) (*Telemetry, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Environment overrides. Top-level keys keep their underscores
	// (MCPTEL_SERVER_NAME -> server_name); only the nested sections use a
	// dot separator (MCPTEL_SESSION_FLUSH_INTERVAL -> session.flush_interval).
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		for _, section := range []string{"session_", "auth_"} {
			if strings.HasPrefix(key, section) {
				return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(key, section)
			}
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Telemetry
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	out := cfg.WithDefaults()
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return out, nil
}
