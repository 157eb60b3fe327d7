// Package config handles configuration loading, validation, and management for provcert.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"provcert/internal/accessgate"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROVCERT_"

// Config holds the complete service configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Server         ServerConfig         `toml:"server" json:"server" yaml:"server" envPrefix:"SERVER_"`
	Storage        StorageConfig        `toml:"storage" json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Signing        SigningConfig        `toml:"signing" json:"signing" yaml:"signing" envPrefix:"SIGNING_"`
	AccessGate     AccessGateConfig     `toml:"access_gate" json:"access_gate" yaml:"access_gate" envPrefix:"ACCESS_GATE_"`
	Reconstruction ReconstructionConfig `toml:"reconstruction" json:"reconstruction" yaml:"reconstruction" envPrefix:"RECONSTRUCTION_"`
	RateLimit      RateLimitConfig      `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Ingest         IngestConfig         `toml:"ingest" json:"ingest" yaml:"ingest" envPrefix:"INGEST_"`
	Logging        LoggingConfig        `toml:"logging" json:"logging" yaml:"logging" envPrefix:"LOG_"`
	Tracing        TracingConfig        `toml:"tracing" json:"tracing" yaml:"tracing" envPrefix:"TRACING_"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen string `toml:"listen" json:"listen" yaml:"listen" env:"LISTEN"`

	// BaseURL is the public origin used to build verification URLs.
	BaseURL string `toml:"base_url" json:"base_url" yaml:"base_url" env:"BASE_URL"`

	ReadTimeoutSec     int   `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec" env:"READ_TIMEOUT_SEC"`
	WriteTimeoutSec    int   `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec" env:"WRITE_TIMEOUT_SEC"`
	ShutdownTimeoutSec int   `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec" env:"SHUTDOWN_TIMEOUT_SEC"`
	MaxBodyBytes       int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// StorageConfig configures the SQLite database.
type StorageConfig struct {
	Path           string `toml:"path" json:"path" yaml:"path" env:"PATH"`
	BusyTimeoutMs  int    `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms" env:"BUSY_TIMEOUT_MS"`
	MaxConnections int    `toml:"max_connections" json:"max_connections" yaml:"max_connections" env:"MAX_CONNECTIONS"`
}

// SigningConfig locates the HMAC secret used to sign certificates.
// SecretHex wins over SecretPath; DeriveLabel derives the signing secret
// from the loaded one instead of using it directly.
type SigningConfig struct {
	SecretPath  string `toml:"secret_path" json:"secret_path" yaml:"secret_path" env:"SECRET_PATH"`
	SecretHex   string `toml:"secret_hex,omitempty" json:"secret_hex,omitempty" yaml:"secret_hex,omitempty" env:"SECRET_HEX"`
	DeriveLabel string `toml:"derive_label,omitempty" json:"derive_label,omitempty" yaml:"derive_label,omitempty" env:"DERIVE_LABEL"`
	Issuer      string `toml:"issuer" json:"issuer" yaml:"issuer" env:"ISSUER"`
}

// AccessGateConfig configures access-code hashing.
type AccessGateConfig struct {
	BcryptCost int `toml:"bcrypt_cost" json:"bcrypt_cost" yaml:"bcrypt_cost" env:"BCRYPT_COST"`
	Workers    int `toml:"workers" json:"workers" yaml:"workers" env:"WORKERS"`
}

// Gate returns the accessgate configuration.
func (a AccessGateConfig) Gate() accessgate.Config {
	return accessgate.Config{Cost: a.BcryptCost, Workers: a.Workers}
}

// ReconstructionConfig configures snapshot reconstruction.
type ReconstructionConfig struct {
	// Window is how many of the most recent events are scanned.
	Window int `toml:"window" json:"window" yaml:"window" env:"WINDOW"`
}

// RateLimitConfig configures per-client limits on public verification.
type RateLimitConfig struct {
	PerSecond      float64 `toml:"per_second" json:"per_second" yaml:"per_second" env:"PER_SECOND"`
	Burst          int     `toml:"burst" json:"burst" yaml:"burst" env:"BURST"`
	CleanupMinutes int     `toml:"cleanup_minutes" json:"cleanup_minutes" yaml:"cleanup_minutes" env:"CLEANUP_MINUTES"`

	// MaxCodeFailures wrong access codes lock a client out for LockoutMinutes.
	MaxCodeFailures int `toml:"max_code_failures" json:"max_code_failures" yaml:"max_code_failures" env:"MAX_CODE_FAILURES"`
	LockoutMinutes  int `toml:"lockout_minutes" json:"lockout_minutes" yaml:"lockout_minutes" env:"LOCKOUT_MINUTES"`
}

// IngestConfig configures the event-file inbox of the server.
type IngestConfig struct {
	// InboxDir enables the inbox when set. Files named <document-id>.jsonl
	// are ingested once they stop changing for SettleSeconds.
	InboxDir      string `toml:"inbox_dir" json:"inbox_dir" yaml:"inbox_dir" env:"INBOX_DIR"`
	SettleSeconds int    `toml:"settle_seconds" json:"settle_seconds" yaml:"settle_seconds" env:"SETTLE_SECONDS"`
}

// Settle returns how long an inbox file must be unchanged before ingest.
func (i IngestConfig) Settle() time.Duration {
	return time.Duration(i.SettleSeconds) * time.Second
}

// TracingConfig configures request spans.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio" env:"SAMPLE_RATIO"`

	// Output is "log" (debug log lines) or "file" (JSON lines at FilePath).
	Output   string `toml:"output" json:"output" yaml:"output" env:"OUTPUT"`
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path" env:"FILE_PATH"`
}

// LoggingConfig configures the service and audit logs.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level" env:"LEVEL"`
	Format     string `toml:"format" json:"format" yaml:"format" env:"FORMAT"`
	Output     string `toml:"output" json:"output" yaml:"output" env:"OUTPUT"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path" env:"FILE_PATH"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups" env:"MAX_BACKUPS"`

	// AuditPath enables the JSON audit log when set.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path" env:"AUDIT_PATH"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			Listen:             "127.0.0.1:8080",
			BaseURL:            "http://127.0.0.1:8080",
			ReadTimeoutSec:     15,
			WriteTimeoutSec:    30,
			ShutdownTimeoutSec: 10,
			MaxBodyBytes:       8 << 20,
		},
		Storage: StorageConfig{
			Path:           filepath.Join(dir, "provcert.db"),
			BusyTimeoutMs:  5000,
			MaxConnections: 4,
		},
		Signing: SigningConfig{
			SecretPath: filepath.Join(dir, "signing.key"),
			Issuer:     "provcert",
		},
		AccessGate: AccessGateConfig{
			BcryptCost: 12,
			Workers:    4,
		},
		Reconstruction: ReconstructionConfig{
			Window: 50,
		},
		RateLimit: RateLimitConfig{
			PerSecond:       5,
			Burst:           20,
			CleanupMinutes:  10,
			MaxCodeFailures: 10,
			LockoutMinutes:  15,
		},
		Ingest: IngestConfig{
			SettleSeconds: 2,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
			Output:      "log",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads the configuration at path, falling back to ConfigPath when path
// is empty. A missing file yields the defaults. Environment overrides are
// applied and the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Save writes c to path as TOML, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}

	enc := toml.NewEncoder(f)
	enc.Indent = ""
	if err := enc.Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if errs := ValidateConfig(c); len(errs) > 0 {
		return errs
	}
	return nil
}

// ApplyEnvOverrides applies PROVCERT_* environment variables on top of c.
// Unset variables leave the current value alone.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Logging.AuditPath),
		filepath.Dir(c.Tracing.FilePath),
		c.Ingest.InboxDir,
	}
	if c.Signing.SecretHex == "" {
		dirs = append(dirs, filepath.Dir(c.Signing.SecretPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// ReadTimeout returns the server read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSec) * time.Second
}

// WriteTimeout returns the server write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSec) * time.Second
}

// ShutdownTimeout returns how long in-flight requests get on shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// BusyTimeout returns the SQLite busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond
}

// RestartRequired lists settings that differ between prev and next but are
// only read at startup. Hot reload applies everything else.
func RestartRequired(prev, next *Config) []string {
	var fields []string
	add := func(changed bool, name string) {
		if changed {
			fields = append(fields, name)
		}
	}
	add(prev.Server != next.Server, "server")
	add(prev.Storage != next.Storage, "storage")
	add(prev.Signing != next.Signing, "signing")
	add(prev.AccessGate != next.AccessGate, "access_gate")
	add(prev.Reconstruction != next.Reconstruction, "reconstruction")
	add(prev.Ingest != next.Ingest, "ingest")
	add(prev.Tracing != next.Tracing, "tracing")
	add(prev.Logging.Output != next.Logging.Output || prev.Logging.FilePath != next.Logging.FilePath, "logging.output")
	add(prev.Logging.AuditPath != next.Logging.AuditPath, "logging.audit_path")
	return fields
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")
