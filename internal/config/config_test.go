package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
server_timezone: "Europe/Berlin"
workers: 2
users:
  - username: alice
    password: secret
    domain: CORP
    server_url: "https://mail.example.com/ews"
    timezone: "America/New_York"
    sync_all_folders: true
    delete_on_unsync: true
    delay: 45s
    max_look_back_days: 30
    folders: [AAMk1, AAMk2]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerTimezone != "Europe/Berlin" {
		t.Errorf("ServerTimezone = %q, want Europe/Berlin", cfg.ServerTimezone)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
	if len(cfg.Users) != 1 {
		t.Fatalf("Users len = %d, want 1", len(cfg.Users))
	}
	u := cfg.Users[0]
	if u.Username != "alice" || u.Password != "secret" || u.Domain != "CORP" {
		t.Errorf("credentials = %q/%q/%q", u.Username, u.Password, u.Domain)
	}
	if !u.SyncAllFolders || !u.DeleteOnUnsync {
		t.Error("expected sync_all_folders and delete_on_unsync to be true")
	}
	if u.Delay != 45*time.Second {
		t.Errorf("Delay = %v, want 45s", u.Delay)
	}
	if u.MaxLookBackDays != 30 {
		t.Errorf("MaxLookBackDays = %d, want 30", u.MaxLookBackDays)
	}
	if len(u.Folders) != 2 || u.Folders[1] != "AAMk2" {
		t.Errorf("Folders = %v", u.Folders)
	}
	if got := u.Location().String(); got != "America/New_York" {
		t.Errorf("Location = %q, want America/New_York", got)
	}
	if got := cfg.ServerLocation().String(); got != "Europe/Berlin" {
		t.Errorf("ServerLocation = %q, want Europe/Berlin", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
users:
  - username: bob
    password: pw
    server_url: "http://exchange.local"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerTimezone != "UTC" {
		t.Errorf("ServerTimezone = %q, want default UTC", cfg.ServerTimezone)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want default 4", cfg.Workers)
	}
	u := cfg.Users[0]
	if u.Delay != 30*time.Second {
		t.Errorf("Delay = %v, want default 30s", u.Delay)
	}
	if u.MaxLookBackDays != 365 {
		t.Errorf("MaxLookBackDays = %d, want default 365", u.MaxLookBackDays)
	}
	if u.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want server timezone", u.Timezone)
	}
}

func TestLoad_DelayClampedToFloor(t *testing.T) {
	path := writeConfig(t, `
users:
  - username: bob
    password: pw
    server_url: "http://exchange.local"
    delay: 1s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Users[0].Delay != 5*time.Second {
		t.Errorf("Delay = %v, want 5s", cfg.Users[0].Delay)
	}
}

func TestLoad_InvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no users", `users: []`},
		{"missing username", `
users:
  - password: pw
    server_url: "http://exchange.local"
`},
		{"missing password", `
users:
  - username: bob
    server_url: "http://exchange.local"
`},
		{"missing server_url", `
users:
  - username: bob
    password: pw
`},
		{"invalid server_url", `
users:
  - username: bob
    password: pw
    server_url: "ftp://exchange.local"
`},
		{"unknown timezone", `
users:
  - username: bob
    password: pw
    server_url: "http://exchange.local"
    timezone: "Mars/Olympus"
`},
		{"unknown server timezone", `
server_timezone: "Nowhere/City"
users:
  - username: bob
    password: pw
    server_url: "http://exchange.local"
`},
		{"negative look back", `
users:
  - username: bob
    password: pw
    server_url: "http://exchange.local"
    max_look_back_days: -1
`},
		{"negative workers", `
workers: -2
users:
  - username: bob
    password: pw
    server_url: "http://exchange.local"
`},
		{"duplicate username", `
users:
  - username: bob
    password: pw
    server_url: "http://exchange.local"
  - username: bob
    password: pw2
    server_url: "http://exchange.local"
`},
		{"unknown key", `
users:
  - username: bob
    password: pw
    server_url: "http://exchange.local"
unknown_field: oops
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Fatalf("expected error for %s, got nil", tt.name)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("DefaultPath = %q, want config.yaml", path)
	}
}

func TestUser(t *testing.T) {
	cfg := &Config{Users: []UserConfig{{Username: "a"}, {Username: "b"}}}
	u, ok := cfg.User("b")
	if !ok || u.Username != "b" {
		t.Fatalf("User(b) = %v, %v", u, ok)
	}
	if _, ok := cfg.User("c"); ok {
		t.Error("User(c) found, want missing")
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	in := &Config{
		Users: []UserConfig{{
			Username:  "carol",
			Password:  "pw",
			ServerURL: "https://mail.example.com",
			Delay:     time.Minute,
			Folders:   []string{"F1"},
		}},
	}
	if err := Write(path, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Users[0].Delay != time.Minute {
		t.Errorf("Delay = %v, want 1m", out.Users[0].Delay)
	}
	if len(out.Users[0].Folders) != 1 || out.Users[0].Folders[0] != "F1" {
		t.Errorf("Folders = %v", out.Users[0].Folders)
	}
}

func TestWrite_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Write(path, &Config{}); err == nil {
		t.Fatal("expected error for config without users, got nil")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid config should not be written")
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, `
users:
  - username: bob
    password: pw
    server_url: "http://exchange.local"
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-exchangesync"
  headers:
    Authorization: "Bearer secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "my-exchangesync" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "my-exchangesync")
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q", cfg.Telemetry.Headers["Authorization"])
	}
}

func TestLoad_TelemetryMissingEndpoint(t *testing.T) {
	path := writeConfig(t, `
users:
  - username: bob
    password: pw
    server_url: "http://exchange.local"
telemetry:
  insecure: true
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for telemetry missing otlp_endpoint, got nil")
	}
}
