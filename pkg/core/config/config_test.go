package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/msto63/popper/pkg/core/logging"
)

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"seconds", "30s", 30 * time.Second, false},
		{"minutes", "5m", 5 * time.Minute, false},
		{"hours", "2h", 2 * time.Hour, false},
		{"complex", "1h30m", 90 * time.Minute, false},
		{"milliseconds", "100ms", 100 * time.Millisecond, false},
		{"invalid", "invalid", 0, true},
		{"empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalText() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && d.Duration != tt.expected {
				t.Errorf("UnmarshalText() = %v, want %v", d.Duration, tt.expected)
			}
		})
	}
}

func TestDuration_MarshalText(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds", 30 * time.Second, "30s"},
		{"minutes", 5 * time.Minute, "5m0s"},
		{"hours", 2 * time.Hour, "2h0m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Duration{tt.duration}
			result, err := d.MarshalText()

			if err != nil {
				t.Errorf("MarshalText() error = %v", err)
				return
			}

			if string(result) != tt.expected {
				t.Errorf("MarshalText() = %v, want %v", string(result), tt.expected)
			}
		})
	}
}

func TestDuration_YAML(t *testing.T) {
	var out struct {
		Timeout Duration `yaml:"timeout"`
	}
	if err := yaml.Unmarshal([]byte("timeout: 250ms\n"), &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.Timeout.Duration != 250*time.Millisecond {
		t.Errorf("Timeout = %v, want 250ms", out.Timeout.Duration)
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != "timeout: 250ms\n" {
		t.Errorf("Marshal() = %q", string(data))
	}
}

func TestConfig_applyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.General.Name != "popper" {
		t.Errorf("General.Name = %v, want popper", cfg.General.Name)
	}
	if cfg.General.Environment != "development" {
		t.Errorf("General.Environment = %v, want development", cfg.General.Environment)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("Server.HTTPPort = %v, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server.GRPCPort = %v, want 9090", cfg.Server.GRPCPort)
	}
	if cfg.Server.MaxBodyBytes != 1<<20 {
		t.Errorf("Server.MaxBodyBytes = %v, want 1MiB", cfg.Server.MaxBodyBytes)
	}
	if cfg.Pipeline.Mode != "continue" {
		t.Errorf("Pipeline.Mode = %v, want continue", cfg.Pipeline.Mode)
	}
	if cfg.Cache.Shards != 16 || cfg.Cache.ShardCapacity != 1000 {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Kafka.Topic != "popper.verdicts" {
		t.Errorf("Kafka.Topic = %v, want popper.verdicts", cfg.Kafka.Topic)
	}
}

const tomlConfig = `
[general]
name = "edge"
log_level = "debug"

[server]
http_port = 8181

[pipeline]
mode = "fail_fast"
parallel = true
timeout = "2s"

[rate_limit]
burst = 3
per_minute = 0

[endpoints]
"/api/chat" = ["security", "size", "chat_format"]
"/api/*" = ["security"]

[validators.size]
max_bytes = 2048

[validators.chat_format]
type = "format"
schema = "chat"

[validators.session]
secret = "${POPPER_TEST_SECRET}"
`

const yamlConfig = `
general:
  name: edge
server:
  grpc_port: 9191
  read_timeout: 15s
pipeline:
  mode: strict
endpoints:
  /api/chat: [security, size]
validators:
  size:
    max_bytes: 4096
kafka:
  enabled: true
  brokers: ["localhost:9092"]
`

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestLoadFrom_TOML(t *testing.T) {
	t.Setenv("POPPER_TEST_SECRET", "s3cret")
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/etc/popper/popper.toml", tomlConfig)

	cfg, err := LoadFrom(fs, "/etc/popper/popper.toml")
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.General.Name != "edge" || cfg.General.LogLevel != "debug" {
		t.Errorf("General = %+v", cfg.General)
	}
	if cfg.General.LogFormat != "json" {
		t.Errorf("General.LogFormat = %v, want json default", cfg.General.LogFormat)
	}
	if cfg.Server.HTTPPort != 8181 || cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server ports = %d/%d", cfg.Server.HTTPPort, cfg.Server.GRPCPort)
	}
	if cfg.Pipeline.Mode != "fail_fast" || !cfg.Pipeline.Parallel || cfg.Pipeline.Timeout.Duration != 2*time.Second {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.RateLimit.Burst != 3 || cfg.RateLimit.PerMinute != 0 || cfg.RateLimit.PerHour != 1000 {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if got := cfg.Endpoints["/api/chat"]; len(got) != 3 || got[2] != "chat_format" {
		t.Errorf("Endpoints[/api/chat] = %v", got)
	}
	if got := cfg.Validators["chat_format"]["type"]; got != "format" {
		t.Errorf("chat_format type = %v", got)
	}
	if got := cfg.Validators["size"]["max_bytes"]; got != int64(2048) {
		t.Errorf("size max_bytes = %#v", got)
	}
	if got := cfg.Validators["session"]["secret"]; got != "s3cret" {
		t.Errorf("session secret = %v, want expanded value", got)
	}
	if !cfg.Cache.Enabled {
		t.Error("Cache.Enabled should keep its default")
	}
}

func TestLoadFrom_YAML(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/popper.yaml", yamlConfig)

	cfg, err := LoadFrom(fs, "/popper.yaml")
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Server.GRPCPort != 9191 || cfg.Server.ReadTimeout.Duration != 15*time.Second {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Pipeline.Mode != "strict" {
		t.Errorf("Pipeline.Mode = %v", cfg.Pipeline.Mode)
	}
	if got := cfg.Validators["size"]["max_bytes"]; got != 4096 {
		t.Errorf("size max_bytes = %#v", got)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 1 {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
	if cfg.HTTPAddress() != "0.0.0.0:8080" || cfg.GRPCAddress() != "0.0.0.0:9191" {
		t.Errorf("addresses = %s %s", cfg.HTTPAddress(), cfg.GRPCAddress())
	}
}

func TestLoadFrom_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/popper.ini", "name=x")
	writeFile(t, fs, "/broken.toml", "[general\nname=")
	writeFile(t, fs, "/bad.toml", "[pipeline]\nmode = \"sometimes\"\n[kafka]\nenabled = true\n")

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", "/nope.toml", ErrConfigNotFound},
		{"unknown format", "/popper.ini", ErrUnknownFormat},
		{"invalid values", "/bad.toml", ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(fs, tt.path)
			if !errors.Is(err, tt.want) {
				t.Errorf("LoadFrom() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := LoadFrom(fs, "/broken.toml"); err == nil {
		t.Error("LoadFrom() on malformed toml should fail")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Mode = "sometimes"
	cfg.Server.HTTPPort = 70000
	cfg.Endpoints = map[string][]string{"/api/empty": nil}
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "proxy.local"}

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate() error = %v", err)
	}
	for _, want := range []string{"pipeline.mode", "server.http_port", "endpoints./api/empty", `"proxy.local"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q missing %q", err, want)
		}
	}

	if strings.Contains(err.Error(), "10.0.0.0/8") {
		t.Errorf("Validate() rejected a valid CIDR: %v", err)
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoadFromEnvFS(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/custom/popper.yaml", yamlConfig)

	t.Setenv(EnvConfigPath, "/custom/popper.yaml")
	cfg, err := LoadFromEnvFS(fs)
	if err != nil {
		t.Fatalf("LoadFromEnvFS() error = %v", err)
	}
	if cfg.General.Name != "edge" {
		t.Errorf("General.Name = %v, want edge", cfg.General.Name)
	}

	t.Setenv(EnvConfigPath, "")
	if _, err := LoadFromEnvFS(afero.NewMemMapFs()); !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("LoadFromEnvFS() on empty fs error = %v", err)
	}

	writeFile(t, fs, "./configs/popper.toml", tomlConfig)
	cfg, err = LoadFromEnvFS(fs)
	if err != nil {
		t.Fatalf("LoadFromEnvFS() default path error = %v", err)
	}
	if cfg.Server.HTTPPort != 8181 {
		t.Errorf("Server.HTTPPort = %v, want 8181", cfg.Server.HTTPPort)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "popper.toml")
	if err := os.WriteFile(path, []byte("[server]\nhttp_port = 8001\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path, WithDebounce(20*time.Millisecond), WithWatchLogger(logging.Nop()))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(cfg *Config, err error) {
			if err != nil {
				return
			}
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	if err := os.WriteFile(path, []byte("[server]\nhttp_port = 8002\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case cfg := <-reloaded:
			seen = cfg.Server.HTTPPort == 8002
		case <-deadline:
			t.Fatal("no reload with http_port 8002 after write")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
