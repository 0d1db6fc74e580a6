// Package config loads and validates the exchangesync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultServerTimezone  = "UTC"
	defaultDelay           = 30 * time.Second
	minDelay               = 5 * time.Second
	defaultMaxLookBackDays = 365
	defaultWorkers         = 4
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ServerTimezone is the IANA zone the Exchange server anchors all-day
	// items to. Defaults to "UTC".
	ServerTimezone string `yaml:"server_timezone"`

	// Workers bounds how many users are synchronized concurrently.
	// Defaults to 4.
	Workers int `yaml:"workers"`

	// StateDB and CalendarDB override the default database paths under
	// ~/.local/share/exchangesync.
	StateDB    string `yaml:"state_db,omitempty"`
	CalendarDB string `yaml:"calendar_db,omitempty"`

	// Users lists the accounts to synchronize.
	Users []UserConfig `yaml:"users"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// UserConfig holds the settings of one synchronized account.
type UserConfig struct {
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Domain    string `yaml:"domain,omitempty"`
	ServerURL string `yaml:"server_url"`

	// Timezone is the user's IANA zone, used for all-day events.
	// Defaults to the server timezone.
	Timezone string `yaml:"timezone,omitempty"`

	// SyncAllFolders adds every remote calendar folder automatically.
	// When false only the folders listed in Folders (or added later with
	// add-folder) are synchronized.
	SyncAllFolders bool `yaml:"sync_all_folders"`

	// DeleteOnUnsync deletes the local calendar when its remote folder
	// disappears. When false only the link is dropped.
	DeleteOnUnsync bool `yaml:"delete_on_unsync"`

	// Delay is the interval between sync passes. Defaults to 30s; values
	// below 5s are raised to 5s.
	Delay time.Duration `yaml:"delay"`

	// MaxLookBackDays limits how far into the past the first seed of a
	// folder reaches. Defaults to 365.
	MaxLookBackDays int `yaml:"max_look_back_days"`

	// Folders are remote folder ids linked on first start.
	Folders []string `yaml:"folders,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "exchangesync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/exchangesync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "exchangesync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates cfg and saves it to path, replacing any existing file
// atomically. The file is readable by the owner only since it holds
// passwords.
func Write(path string, cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("restricting temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing config file %q: %w", path, err)
	}
	return nil
}

// User returns the settings of the named user.
func (c *Config) User(username string) (*UserConfig, bool) {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i], true
		}
	}
	return nil, false
}

// ServerLocation returns the parsed server timezone.
func (c *Config) ServerLocation() *time.Location {
	loc, err := time.LoadLocation(c.ServerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Location returns the parsed user timezone.
func (u *UserConfig) Location() *time.Location {
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.ServerTimezone == "" {
		c.ServerTimezone = defaultServerTimezone
	}
	if _, err := time.LoadLocation(c.ServerTimezone); err != nil {
		return fmt.Errorf("server_timezone %q is not a known timezone", c.ServerTimezone)
	}

	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}

	if len(c.Users) == 0 {
		return fmt.Errorf("users must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Users))
	for i := range c.Users {
		u := &c.Users[i]
		if err := u.validate(c.ServerTimezone); err != nil {
			return fmt.Errorf("users[%d]: %w", i, err)
		}
		if seen[u.Username] {
			return fmt.Errorf("users[%d]: duplicate username %q", i, u.Username)
		}
		seen[u.Username] = true
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (u *UserConfig) validate(serverTimezone string) error {
	if u.Username == "" {
		return fmt.Errorf("username is required")
	}
	if u.Password == "" {
		return fmt.Errorf("password is required")
	}
	if u.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	parsed, err := url.ParseRequestURI(u.ServerURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("server_url %q must be a valid http or https URL", u.ServerURL)
	}

	if u.Timezone == "" {
		u.Timezone = serverTimezone
	}
	if _, err := time.LoadLocation(u.Timezone); err != nil {
		return fmt.Errorf("timezone %q is not a known timezone", u.Timezone)
	}

	if u.Delay == 0 {
		u.Delay = defaultDelay
	}
	if u.Delay < minDelay {
		u.Delay = minDelay
	}

	if u.MaxLookBackDays == 0 {
		u.MaxLookBackDays = defaultMaxLookBackDays
	}
	if u.MaxLookBackDays < 0 {
		return fmt.Errorf("max_look_back_days must be positive, got %d", u.MaxLookBackDays)
	}

	for _, f := range u.Folders {
		if f == "" {
			return fmt.Errorf("folders contains an empty folder id")
		}
	}
	return nil
}
