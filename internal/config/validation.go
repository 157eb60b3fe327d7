package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"provcert/internal/accessgate"
	"provcert/internal/security"
)

// ValidationError is a problem with one configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// problems accumulates ValidationErrors for one pass over a Config.
type problems struct {
	errs ValidationErrors
}

func (p *problems) addf(field, format string, args ...any) {
	p.errs = append(p.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (p *problems) required(field string) {
	p.addf(field, "required field is missing")
}

func (p *problems) outOfRange(field string, min, max any) {
	p.addf(field, "value must be between %v and %v", min, max)
}

func (p *problems) intRange(field string, v, min, max int) {
	if v < min || v > max {
		p.outOfRange(field, min, max)
	}
}

func (p *problems) notNegative(field string, v int) {
	if v < 0 {
		p.addf(field, "cannot be negative")
	}
}

func (p *problems) oneOf(field, v string, valid ...string) bool {
	for _, ok := range valid {
		if v == ok {
			return true
		}
	}
	p.addf(field, "invalid value %q (valid: %s)", v, strings.Join(valid, ", "))
	return false
}

// ValidateConfig checks every section and returns all problems found.
func ValidateConfig(c *Config) ValidationErrors {
	p := &problems{}

	if c.Version < 1 || c.Version > Version {
		p.addf("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	p.server(&c.Server)
	p.storage(&c.Storage)
	p.signing(&c.Signing)
	p.intRange("access_gate.bcrypt_cost", c.AccessGate.BcryptCost, accessgate.MinCost, 31)
	p.intRange("access_gate.workers", c.AccessGate.Workers, 1, 256)
	p.rateLimit(&c.RateLimit)
	p.logging(&c.Logging)
	p.tracing(&c.Tracing)

	if c.Ingest.InboxDir != "" {
		p.intRange("ingest.settle_seconds", c.Ingest.SettleSeconds, 1, 3600)
	}
	if c.Reconstruction.Window < 1 {
		p.outOfRange("reconstruction.window", 1, "unbounded")
	}

	return p.errs
}

func (p *problems) server(s *ServerConfig) {
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		p.addf("server.listen", "invalid listen address %q: %v", s.Listen, err)
	}
	if u, err := url.Parse(s.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		p.addf("server.base_url", "must be an absolute http(s) URL: %q", s.BaseURL)
	}
	p.intRange("server.read_timeout_sec", s.ReadTimeoutSec, 1, 3600)
	p.intRange("server.write_timeout_sec", s.WriteTimeoutSec, 1, 3600)
	p.notNegative("server.shutdown_timeout_sec", s.ShutdownTimeoutSec)
	if s.MaxBodyBytes < 1024 {
		p.addf("server.max_body_bytes", "must be at least 1024 bytes")
	}
}

func (p *problems) storage(s *StorageConfig) {
	switch s.Path {
	case "":
		p.required("storage.path")
	case ":memory:":
	default:
		dir := filepath.Dir(expandPath(s.Path))
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			p.addf("storage.path", "parent path is not a directory: %s", dir)
		}
	}
	p.intRange("storage.max_connections", s.MaxConnections, 1, 100)
	p.notNegative("storage.busy_timeout_ms", s.BusyTimeoutMs)
}

func (p *problems) signing(s *SigningConfig) {
	switch {
	case s.SecretHex != "":
		if !security.IsLowerHex(strings.ToLower(strings.TrimSpace(s.SecretHex)), 2*security.MinKeySize) {
			p.addf("signing.secret_hex", "must be %d hex characters", 2*security.MinKeySize)
		}
	case s.SecretPath == "":
		p.addf("signing.secret_path", "either secret_path or secret_hex is required")
	}
}

func (p *problems) rateLimit(r *RateLimitConfig) {
	// zero per_second disables limiting
	if r.PerSecond < 0 {
		p.addf("rate_limit.per_second", "cannot be negative")
	}
	if r.PerSecond > 0 && r.Burst < 1 {
		p.addf("rate_limit.burst", "must be at least 1 when rate limiting is enabled")
	}
	p.intRange("rate_limit.cleanup_minutes", r.CleanupMinutes, 1, 1440)
	p.notNegative("rate_limit.max_code_failures", r.MaxCodeFailures)
	if r.MaxCodeFailures > 0 {
		p.intRange("rate_limit.lockout_minutes", r.LockoutMinutes, 1, 1440)
	}
}

func (p *problems) logging(l *LoggingConfig) {
	p.oneOf("logging.level", l.Level, "debug", "info", "warn", "error")
	p.oneOf("logging.format", l.Format, "text", "json")
	if p.oneOf("logging.output", l.Output, "stdout", "stderr", "file", "both") &&
		(l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		p.addf("logging.file_path", "required when output is %q", l.Output)
	}
	if l.MaxSizeMB < 1 {
		p.addf("logging.max_size_mb", "must be at least 1 MB")
	}
	p.notNegative("logging.max_backups", l.MaxBackups)
}

func (p *problems) tracing(t *TracingConfig) {
	if !t.Enabled {
		return
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		p.outOfRange("tracing.sample_ratio", 0, 1)
	}
	if p.oneOf("tracing.output", t.Output, "log", "file") && t.Output == "file" && t.FilePath == "" {
		p.required("tracing.file_path")
	}
}

func expandPath(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
