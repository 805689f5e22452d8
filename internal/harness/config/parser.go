package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a configuration file. The format is chosen by
// extension: .json is JSON, anything else YAML. Defaults are applied but the
// result is not validated.
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data, path)
}

// ParseConfig parses configuration bytes. filename only selects the format.
func ParseConfig(data []byte, filename string) (*TestConfig, error) {
	cfg := &TestConfig{}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// ParseDurationString parses a duration such as "30s" or "1h30m". A bare
// integer is taken as seconds and the empty string as zero.
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// ResolveVariables replaces {{name}} placeholders. {{baseUrl}} comes from
// settings; other names come from variables.
func ResolveVariables(input string, variables map[string]string, settings *GlobalSettings) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	result := input
	if settings != nil {
		base := strings.TrimRight(settings.BaseURL, "/")
		result = strings.ReplaceAll(result, "{{baseUrl}}", base)
		result = strings.ReplaceAll(result, "{{baseURL}}", base)
	}
	for key, value := range variables {
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
	}
	return result
}

// ResolveURL resolves variables in rawURL and prefixes the base URL when the
// result is a path.
func ResolveURL(rawURL string, variables map[string]string, settings *GlobalSettings) string {
	resolved := ResolveVariables(rawURL, variables, settings)
	if strings.HasPrefix(resolved, "/") && settings != nil && settings.BaseURL != "" {
		return strings.TrimRight(settings.BaseURL, "/") + resolved
	}
	return resolved
}
