// Package config holds the gateway configuration and its loader.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Config is the complete gateway configuration.
type Config struct {
	Admin     AdminConfig     `json:"admin" yaml:"admin"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Stream    StreamConfig    `json:"stream" yaml:"stream"`
	Features  FeaturesConfig  `json:"features" yaml:"features"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Daemon    DaemonConfig    `json:"daemon" yaml:"daemon"`
}

// AdminConfig is the HTTP listener.
type AdminConfig struct {
	WebIP           string   `json:"web_ip" yaml:"web_ip"`
	WebPort         int      `json:"web_port" yaml:"web_port"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// Addr returns the listen address.
func (a AdminConfig) Addr() string {
	return net.JoinHostPort(a.WebIP, fmt.Sprintf("%d", a.WebPort))
}

// NATSConfig defines how the daemon's state is reached.
type NATSConfig struct {
	URLs           []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	SubjectPrefix  string   `json:"subject_prefix" yaml:"subject_prefix"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxReconnects  int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait  Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Token          string   `json:"token,omitempty" yaml:"token,omitempty"`
}

// StreamConfig configures the live log stream.
type StreamConfig struct {
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
	Namespace    string   `json:"namespace" yaml:"namespace"`
	Topic        string   `json:"topic" yaml:"topic"`
	SendBuffer   int      `json:"send_buffer" yaml:"send_buffer"`
}

// FeaturesConfig toggles optional daemon features.
type FeaturesConfig struct {
	WatchList bool `json:"watch_list" yaml:"watch_list"`
	SeenList  bool `json:"seen_list" yaml:"seen_list"`
	// WatchListAlert is the age after which a watched station counts as stale.
	WatchListAlert Duration `json:"watch_list_alert" yaml:"watch_list_alert"`
}

// TransportConfig mirrors the daemon's radio transport settings so the
// overview can describe the active connection.
type TransportConfig struct {
	APRSNetwork APRSNetworkConfig `json:"aprs_network" yaml:"aprs_network"`
	KISSTCP     KISSTCPConfig     `json:"kiss_tcp" yaml:"kiss_tcp"`
	KISSSerial  KISSSerialConfig  `json:"kiss_serial" yaml:"kiss_serial"`
}

// APRSNetworkConfig is the APRS-IS connection.
type APRSNetworkConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// KISSTCPConfig is a KISS TNC reached over TCP.
type KISSTCPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host,omitempty" yaml:"host,omitempty"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// KISSSerialConfig is a KISS TNC on a serial port.
type KISSSerialConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Device   string `json:"device,omitempty" yaml:"device,omitempty"`
	BaudRate int    `json:"baudrate,omitempty" yaml:"baudrate,omitempty"`
}

// DaemonConfig identifies the daemon being observed.
type DaemonConfig struct {
	Callsign string `json:"callsign,omitempty" yaml:"callsign,omitempty"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Admin: AdminConfig{
			WebIP:           "0.0.0.0",
			WebPort:         8001,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			Name:           "aprsgate",
			SubjectPrefix:  "aprsd.rpc",
			RequestTimeout: Duration(2 * time.Second),
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Stream: StreamConfig{
			PollInterval: Duration(5 * time.Second),
			Namespace:    "/logs",
			Topic:        "log_entry",
			SendBuffer:   256,
		},
		Features: FeaturesConfig{
			WatchList:      true,
			SeenList:       true,
			WatchListAlert: Duration(12 * time.Hour),
		},
		Transport: TransportConfig{
			APRSNetwork: APRSNetworkConfig{Enabled: true},
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Admin.WebPort <= 0 || c.Admin.WebPort > 65535 {
		errs = append(errs, fmt.Errorf("admin.web_port %d out of range", c.Admin.WebPort))
	}
	if len(c.NATS.URLs) == 0 {
		errs = append(errs, errors.New("nats.urls is required"))
	}
	if !isValidSubject(c.NATS.SubjectPrefix) {
		errs = append(errs, fmt.Errorf("nats.subject_prefix %q is not a valid NATS subject", c.NATS.SubjectPrefix))
	}
	if c.NATS.RequestTimeout <= 0 {
		errs = append(errs, errors.New("nats.request_timeout must be positive"))
	}
	if c.Stream.PollInterval <= 0 {
		errs = append(errs, errors.New("stream.poll_interval must be positive"))
	}
	if !strings.HasPrefix(c.Stream.Namespace, "/") {
		errs = append(errs, fmt.Errorf("stream.namespace %q must start with /", c.Stream.Namespace))
	}
	if c.Stream.Topic == "" {
		errs = append(errs, errors.New("stream.topic is required"))
	}
	if c.Stream.SendBuffer <= 0 {
		errs = append(errs, errors.New("stream.send_buffer must be positive"))
	}
	if t := c.Transport.KISSTCP; t.Enabled && (t.Host == "" || t.Port <= 0) {
		errs = append(errs, errors.New("transport.kiss_tcp requires host and port"))
	}
	if t := c.Transport.KISSSerial; t.Enabled && t.Device == "" {
		errs = append(errs, errors.New("transport.kiss_serial requires device"))
	}

	return errors.Join(errs...)
}

// isValidSubject reports whether s is a dotted NATS subject without wildcards.
func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r == '*' || r == '>' || r == ' ' || r == '\t' {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	clone.Admin.AllowedOrigins = append([]string(nil), c.Admin.AllowedOrigins...)
	return &clone
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.NATS.Token != "" {
		safe.NATS.Token = "****"
	}
	data, err := json.MarshalIndent(safe, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
