package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var (
	// ErrConfigNotFound is returned when no configuration file exists
	ErrConfigNotFound = errors.New("config file not found")
	// ErrUnknownFormat is returned for file extensions other than toml, yaml and yml
	ErrUnknownFormat = errors.New("unknown config format")
	// ErrInvalidConfig wraps validation failures
	ErrInvalidConfig = errors.New("invalid config")
)

// EnvConfigPath names the environment variable holding the config path
const EnvConfigPath = "POPPER_CONFIG"

// Config holds the complete application configuration
type Config struct {
	General       GeneralConfig             `toml:"general" yaml:"general"`
	Server        ServerConfig              `toml:"server" yaml:"server"`
	Pipeline      PipelineConfig            `toml:"pipeline" yaml:"pipeline"`
	Cache         CacheConfig               `toml:"cache" yaml:"cache"`
	RateLimit     RateLimitConfig           `toml:"rate_limit" yaml:"rate_limit"`
	Endpoints     map[string][]string       `toml:"endpoints" yaml:"endpoints"`
	Validators    map[string]map[string]any `toml:"validators" yaml:"validators"`
	Observability ObservabilityConfig       `toml:"observability" yaml:"observability"`
	Audit         AuditConfig               `toml:"audit" yaml:"audit"`
	Kafka         KafkaConfig               `toml:"kafka" yaml:"kafka"`
}

// GeneralConfig holds general application settings
type GeneralConfig struct {
	Name        string `toml:"name" yaml:"name"`
	Environment string `toml:"environment" yaml:"environment"`
	LogLevel    string `toml:"log_level" yaml:"log_level"`
	LogFormat   string `toml:"log_format" yaml:"log_format"`
}

// ServerConfig holds the HTTP and gRPC listener settings
type ServerConfig struct {
	Host            string   `toml:"host" yaml:"host"`
	HTTPPort        int      `toml:"http_port" yaml:"http_port"`
	GRPCPort        int      `toml:"grpc_port" yaml:"grpc_port"`
	ReadTimeout     Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64    `toml:"max_body_bytes" yaml:"max_body_bytes"`
	// TrustedProxies lists addresses or CIDR blocks whose forwarding
	// headers name the client
	TrustedProxies []string `toml:"trusted_proxies" yaml:"trusted_proxies"`
}

// PipelineConfig holds executor defaults
type PipelineConfig struct {
	Mode     string   `toml:"mode" yaml:"mode"`
	Parallel bool     `toml:"parallel" yaml:"parallel"`
	Timeout  Duration `toml:"timeout" yaml:"timeout"`
}

// CacheConfig holds result cache settings
type CacheConfig struct {
	Enabled       bool     `toml:"enabled" yaml:"enabled"`
	TTL           Duration `toml:"ttl" yaml:"ttl"`
	Shards        int      `toml:"shards" yaml:"shards"`
	ShardCapacity int      `toml:"shard_capacity" yaml:"shard_capacity"`
	SweepInterval Duration `toml:"sweep_interval" yaml:"sweep_interval"`
}

// RateLimitConfig holds the shared limiter windows. Zero disables a window.
type RateLimitConfig struct {
	Burst         int      `toml:"burst" yaml:"burst"`
	BurstWindow   Duration `toml:"burst_window" yaml:"burst_window"`
	PerMinute     int      `toml:"per_minute" yaml:"per_minute"`
	PerHour       int      `toml:"per_hour" yaml:"per_hour"`
	SweepInterval Duration `toml:"sweep_interval" yaml:"sweep_interval"`
}

// ObservabilityConfig toggles the observers
type ObservabilityConfig struct {
	Metrics     bool   `toml:"metrics" yaml:"metrics"`
	MetricsPath string `toml:"metrics_path" yaml:"metrics_path"`
	Tracing     bool   `toml:"tracing" yaml:"tracing"`
	Stream      bool   `toml:"stream" yaml:"stream"`
}

// AuditConfig holds the SQLite audit store settings
type AuditConfig struct {
	Enabled   bool     `toml:"enabled" yaml:"enabled"`
	Path      string   `toml:"path" yaml:"path"`
	Retention Duration `toml:"retention" yaml:"retention"`
}

// KafkaConfig holds verdict event publishing settings
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled" yaml:"enabled"`
	Brokers      []string `toml:"brokers" yaml:"brokers"`
	Topic        string   `toml:"topic" yaml:"topic"`
	OnlyRejected bool     `toml:"only_rejected" yaml:"only_rejected"`
}

// Duration wraps time.Duration for TOML and YAML parsing
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats the duration as a string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses a duration scalar
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// MarshalYAML formats the duration as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Default returns the configuration used when a file sets nothing
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			Name:        "popper",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			HTTPPort:        8080,
			GRPCPort:        9090,
			ReadTimeout:     Duration{30 * time.Second},
			WriteTimeout:    Duration{30 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
			MaxBodyBytes:    1 << 20,
		},
		Pipeline: PipelineConfig{
			Mode:    "continue",
			Timeout: Duration{5 * time.Second},
		},
		Cache: CacheConfig{
			Enabled:       true,
			TTL:           Duration{5 * time.Minute},
			Shards:        16,
			ShardCapacity: 1000,
			SweepInterval: Duration{time.Minute},
		},
		RateLimit: RateLimitConfig{
			Burst:         10,
			BurstWindow:   Duration{10 * time.Second},
			PerMinute:     60,
			PerHour:       1000,
			SweepInterval: Duration{time.Minute},
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			MetricsPath: "/metrics",
			Stream:      true,
		},
		Audit: AuditConfig{
			Path:      "./data/popper-audit.db",
			Retention: Duration{30 * 24 * time.Hour},
		},
		Kafka: KafkaConfig{
			Topic: "popper.verdicts",
		},
	}
}

// Load loads configuration from a TOML or YAML file
func Load(path string) (*Config, error) {
	return LoadFrom(afero.NewOsFs(), path)
}

// LoadFrom loads configuration from path on fs. The format follows the file
// extension. Unset keys keep their defaults.
func LoadFrom(fs afero.Fs, path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext (".toml", ".yaml", ".yml")
func Parse(data []byte, ext string) (*Config, error) {
	cfg := Default()

	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}

	cfg.applyDefaults()
	cfg.expandEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from the POPPER_CONFIG environment variable
// or the first default location that exists
func LoadFromEnv() (*Config, error) {
	return LoadFromEnvFS(afero.NewOsFs())
}

// LoadFromEnvFS is LoadFromEnv on fs
func LoadFromEnvFS(fs afero.Fs) (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = findDefault(fs)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: set %s or create configs/popper.toml", ErrConfigNotFound, EnvConfigPath)
	}
	return LoadFrom(fs, path)
}

// DefaultPaths lists the locations searched by LoadFromEnv
func DefaultPaths() []string {
	return []string{
		"./configs/popper.toml",
		"./configs/popper.yaml",
		"./popper.toml",
		"./popper.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/popper/config.toml"),
	}
}

func findDefault(fs afero.Fs) string {
	for _, p := range DefaultPaths() {
		if ok, _ := afero.Exists(fs, p); ok {
			return p
		}
	}
	return ""
}

// applyDefaults fills fields a file explicitly zeroed
func (c *Config) applyDefaults() {
	def := Default()

	if c.General.Name == "" {
		c.General.Name = def.General.Name
	}
	if c.General.Environment == "" {
		c.General.Environment = def.General.Environment
	}
	if c.General.LogLevel == "" {
		c.General.LogLevel = def.General.LogLevel
	}
	if c.General.LogFormat == "" {
		c.General.LogFormat = def.General.LogFormat
	}

	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = def.Server.HTTPPort
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = def.Server.GRPCPort
	}
	if c.Server.ReadTimeout.Duration == 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout.Duration == 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = def.Server.MaxBodyBytes
	}

	if c.Pipeline.Mode == "" {
		c.Pipeline.Mode = def.Pipeline.Mode
	}

	if c.Cache.TTL.Duration == 0 {
		c.Cache.TTL = def.Cache.TTL
	}
	if c.Cache.Shards == 0 {
		c.Cache.Shards = def.Cache.Shards
	}
	if c.Cache.ShardCapacity == 0 {
		c.Cache.ShardCapacity = def.Cache.ShardCapacity
	}

	if c.RateLimit.BurstWindow.Duration == 0 {
		c.RateLimit.BurstWindow = def.RateLimit.BurstWindow
	}

	if c.Observability.MetricsPath == "" {
		c.Observability.MetricsPath = def.Observability.MetricsPath
	}
	if c.Audit.Path == "" {
		c.Audit.Path = def.Audit.Path
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = def.Kafka.Topic
	}
}

// expandEnvVars expands environment variables in paths, brokers and every
// string value of the validator blobs (e.g. secret = "${POPPER_JWT_SECRET}")
func (c *Config) expandEnvVars() {
	c.Audit.Path = os.ExpandEnv(c.Audit.Path)
	for i, b := range c.Kafka.Brokers {
		c.Kafka.Brokers[i] = os.ExpandEnv(b)
	}
	for _, blob := range c.Validators {
		for k, v := range blob {
			if s, ok := v.(string); ok {
				blob[k] = os.ExpandEnv(s)
			}
		}
	}
}

var pipelineModes = map[string]bool{
	"continue": true, "fail_fast": true, "fail-fast": true, "failfast": true, "strict": true, "lenient": true,
}

// Validate reports every problem found, joined into one error
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !pipelineModes[strings.ToLower(c.Pipeline.Mode)] {
		add("pipeline.mode: unknown mode %q", c.Pipeline.Mode)
	}
	if c.Pipeline.Timeout.Duration < 0 {
		add("pipeline.timeout: must not be negative")
	}
	for name, port := range map[string]int{"server.http_port": c.Server.HTTPPort, "server.grpc_port": c.Server.GRPCPort} {
		if port < 0 || port > 65535 {
			add("%s: %d out of range", name, port)
		}
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes: must not be negative")
	}
	for _, entry := range c.Server.TrustedProxies {
		if !validProxy(entry) {
			add("server.trusted_proxies: %q is not an address or CIDR block", entry)
		}
	}
	if c.Cache.Shards < 0 || c.Cache.ShardCapacity < 0 {
		add("cache: shards and shard_capacity must not be negative")
	}
	if c.RateLimit.Burst < 0 || c.RateLimit.PerMinute < 0 || c.RateLimit.PerHour < 0 {
		add("rate_limit: limits must not be negative")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		add("kafka.brokers: required when kafka is enabled")
	}
	for path, names := range c.Endpoints {
		if len(names) == 0 {
			add("endpoints.%s: no validators listed", path)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// HTTPAddress returns the HTTP listen address
func (c *Config) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}

// GRPCAddress returns the gRPC listen address
func (c *Config) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.GRPCPort)
}

func validProxy(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}
