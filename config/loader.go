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

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "APRSGATE"

// Loader builds a Config from defaults, file layers and the environment.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
		getenv:     os.Getenv,
	}
}

// AddLayer adds a configuration file. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, each layer in order, then environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := l.loadLayer(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadLayer decodes path over cfg, so fields absent from the file keep
// their current values.
func (l *Loader) loadLayer(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (l *Loader) env(name string) string {
	return l.getenv(l.envPrefix + "_" + name)
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if val := l.env("WEB_IP"); val != "" {
		cfg.Admin.WebIP = val
	}
	if val := l.env("WEB_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_WEB_PORT: %w", l.envPrefix, err)
		}
		cfg.Admin.WebPort = port
	}
	if val := l.env("NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := l.env("NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := l.env("NATS_SUBJECT_PREFIX"); val != "" {
		cfg.NATS.SubjectPrefix = val
	}
	if val := l.env("POLL_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s_POLL_INTERVAL: %w", l.envPrefix, err)
		}
		cfg.Stream.PollInterval = Duration(d)
	}
	if val := l.env("WATCH_LIST"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s_WATCH_LIST: %w", l.envPrefix, err)
		}
		cfg.Features.WatchList = enabled
	}
	if val := l.env("SEEN_LIST"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s_SEEN_LIST: %w", l.envPrefix, err)
		}
		cfg.Features.SeenList = enabled
	}
	if val := l.env("CALLSIGN"); val != "" {
		cfg.Daemon.Callsign = strings.ToUpper(val)
	}
	return nil
}
