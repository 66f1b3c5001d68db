// Package config loads runtime settings from an optional YAML file and
// SFS_* environment variables, then validates them all at once so a bad
// deployment fails at startup with every problem listed.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"secure-file-share/internal/storage"
)

// Config is the full set of runtime settings.
type Config struct {
	Env         string `yaml:"env"`
	Addr        string `yaml:"addr"`
	BaseURL     string `yaml:"base_url"`
	DatabaseURL string `yaml:"database_url"`
	JWTSecret   string `yaml:"jwt_secret"`
	// TrustedProxies are addresses or CIDR ranges of reverse proxies whose
	// forwarding headers identify the client. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Version string `yaml:"-"`
	Commit  string `yaml:"-"`

	Storage   storage.Config  `yaml:"storage"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Audit     AuditConfig     `yaml:"audit"`
	Upload    UploadConfig    `yaml:"upload"`
	CORS      CORSConfig      `yaml:"cors"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Lockout   LockoutConfig   `yaml:"lockout"`
}

type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// AuditConfig selects the audit sinks. File is a JSON-lines path; DB
// also writes each event to the audit_logs table when a database is
// configured.
type AuditConfig struct {
	File   string `yaml:"file"`
	DB     bool   `yaml:"db"`
	Buffer int    `yaml:"buffer"`
}

type UploadConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
	MaxFiles int   `yaml:"max_files"`
}

type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig holds per-IP limits. The auth and link limits apply on
// top of the general one.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
	AuthPerMinute     int `yaml:"auth_per_minute"`
	LinkPerMinute     int `yaml:"link_per_minute"`
}

type LockoutConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	Duration    time.Duration `yaml:"duration"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Env:     "development",
		Addr:    ":8080",
		BaseURL: "http://localhost:8080",
		Version: "dev",
		Commit:  "unknown",
		Storage: storage.Config{
			Driver: storage.DriverMinio,
			Bucket: "secure-files",
			Region: "us-east-1",
		},
		Breaker: BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second},
		Audit:   AuditConfig{File: "audit.log", DB: true, Buffer: 1024},
		Upload:  UploadConfig{MaxBytes: 50 << 20, MaxFiles: 10},
		CORS:    CORSConfig{Origins: []string{"http://localhost:5173"}},
		Log:     LogConfig{Level: "info", Format: "text"},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             30,
			AuthPerMinute:     10,
			LinkPerMinute:     30,
		},
		Lockout: LockoutConfig{MaxAttempts: 5, Window: 15 * time.Minute, Duration: 15 * time.Minute},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then environment variables read through getenv.
// The result is validated before it is returned.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envReader applies environment overrides and remembers malformed values.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (r *envReader) str(dst *string, keys ...string) {
	for _, k := range keys {
		if v := r.getenv(k); v != "" {
			*dst = v
			return
		}
	}
}

func (r *envReader) integer(dst *int, key string) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, FieldError{Field: key, Message: "must be a valid integer"})
		return
	}
	*dst = n
}

func (r *envReader) int64(dst *int64, key string) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.errs = append(r.errs, FieldError{Field: key, Message: "must be a valid integer"})
		return
	}
	*dst = n
}

func (r *envReader) boolean(dst *bool, key string) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, FieldError{Field: key, Message: "must be true or false"})
		return
	}
	*dst = b
}

func (r *envReader) duration(dst *time.Duration, key string) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, FieldError{Field: key, Message: "must be a valid duration (e.g., 30s, 15m)"})
		return
	}
	*dst = d
}

func (r *envReader) list(dst *[]string, key string) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	r := &envReader{getenv: getenv}

	r.str(&cfg.Env, "SFS_ENV")
	r.str(&cfg.Addr, "SFS_ADDR")
	r.str(&cfg.BaseURL, "SFS_BASE_URL")
	r.str(&cfg.DatabaseURL, "SFS_DATABASE_URL", "DATABASE_URL")
	r.str(&cfg.JWTSecret, "SFS_JWT_SECRET")
	r.str(&cfg.Version, "SFS_VERSION")
	r.str(&cfg.Commit, "SFS_COMMIT")

	r.str(&cfg.Storage.Driver, "SFS_STORAGE_DRIVER")
	r.str(&cfg.Storage.Endpoint, "SFS_STORAGE_ENDPOINT", "MINIO_ENDPOINT")
	r.str(&cfg.Storage.AccessKey, "SFS_STORAGE_ACCESS_KEY", "MINIO_ACCESS_KEY")
	r.str(&cfg.Storage.SecretKey, "SFS_STORAGE_SECRET_KEY", "MINIO_SECRET_KEY")
	r.str(&cfg.Storage.Bucket, "SFS_STORAGE_BUCKET", "MINIO_BUCKET")
	r.str(&cfg.Storage.Region, "SFS_STORAGE_REGION")
	r.boolean(&cfg.Storage.CreateBucket, "SFS_STORAGE_CREATE_BUCKET")

	var maxFailures int
	r.integer(&maxFailures, "SFS_BREAKER_MAX_FAILURES")
	if maxFailures > 0 {
		cfg.Breaker.MaxFailures = uint32(maxFailures)
	}
	r.duration(&cfg.Breaker.Timeout, "SFS_BREAKER_TIMEOUT")

	r.str(&cfg.Audit.File, "SFS_AUDIT_FILE")
	r.boolean(&cfg.Audit.DB, "SFS_AUDIT_DB")
	r.integer(&cfg.Audit.Buffer, "SFS_AUDIT_BUFFER")

	r.int64(&cfg.Upload.MaxBytes, "SFS_MAX_UPLOAD_BYTES")
	r.integer(&cfg.Upload.MaxFiles, "SFS_MAX_UPLOAD_FILES")

	r.list(&cfg.CORS.Origins, "SFS_CORS_ORIGINS")
	r.list(&cfg.TrustedProxies, "SFS_TRUSTED_PROXIES")

	r.str(&cfg.Log.Level, "SFS_LOG_LEVEL")
	r.str(&cfg.Log.Format, "SFS_LOG_FORMAT")

	r.integer(&cfg.RateLimit.RequestsPerMinute, "SFS_RATE_LIMIT_RPM")
	r.integer(&cfg.RateLimit.Burst, "SFS_RATE_LIMIT_BURST")
	r.integer(&cfg.RateLimit.AuthPerMinute, "SFS_RATE_LIMIT_AUTH_RPM")
	r.integer(&cfg.RateLimit.LinkPerMinute, "SFS_RATE_LIMIT_LINK_RPM")

	r.integer(&cfg.Lockout.MaxAttempts, "SFS_LOCKOUT_MAX_ATTEMPTS")
	r.duration(&cfg.Lockout.Window, "SFS_LOCKOUT_WINDOW")
	r.duration(&cfg.Lockout.Duration, "SFS_LOCKOUT_DURATION")

	return errors.Join(r.errs...)
}

// FieldError is one validation failure.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks every setting and returns all failures joined.
func (c Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}

	oneOf(add, "env", c.Env, "development", "production", "staging", "test")

	if c.JWTSecret == "" {
		add("jwt_secret", "required setting not set")
	} else if len(c.JWTSecret) < 32 {
		add("jwt_secret", fmt.Sprintf("must be at least 32 characters long (got %d)", len(c.JWTSecret)))
	}

	if _, port, err := net.SplitHostPort(c.Addr); err != nil {
		add("addr", "must be host:port or :port")
	} else if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		add("addr", "port must be between 1 and 65535")
	}

	if c.BaseURL == "" {
		add("base_url", "required setting not set")
	} else if msg := checkHTTPURL(c.BaseURL); msg != "" {
		add("base_url", msg)
	}

	switch {
	case c.DatabaseURL == "" && c.IsProduction():
		add("database_url", "required in production")
	case c.DatabaseURL != "" &&
		!strings.HasPrefix(c.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		add("database_url", "must be a valid PostgreSQL connection string")
	}

	switch strings.ToLower(c.Storage.Driver) {
	case storage.DriverMinio:
		if c.Storage.Endpoint == "" {
			add("storage.endpoint", "required for the minio driver")
		} else if strings.Contains(c.Storage.Endpoint, "://") {
			if msg := checkHTTPURL(c.Storage.Endpoint); msg != "" {
				add("storage.endpoint", msg)
			}
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			add("storage.access_key", "access and secret keys are required for the minio driver")
		}
	case storage.DriverS3:
		if c.Storage.Region == "" {
			add("storage.region", "required for the s3 driver")
		}
		if c.Storage.Endpoint != "" {
			if msg := checkHTTPURL(c.Storage.Endpoint); msg != "" {
				add("storage.endpoint", msg)
			}
		}
	case storage.DriverMemory:
		if c.IsProduction() {
			add("storage.driver", "memory storage is not allowed in production")
		}
	default:
		add("storage.driver", fmt.Sprintf("must be one of: minio, s3, memory (got: %s)", c.Storage.Driver))
	}
	if c.Storage.Bucket == "" && strings.ToLower(c.Storage.Driver) != storage.DriverMemory {
		add("storage.bucket", "required setting not set")
	}

	if c.Breaker.MaxFailures == 0 {
		add("breaker.max_failures", "must be a positive integer")
	}
	if c.Breaker.Timeout <= 0 {
		add("breaker.timeout", "must be a positive duration")
	}

	if c.Audit.Buffer < 0 {
		add("audit.buffer", "must not be negative")
	}

	if c.Upload.MaxBytes <= 0 {
		add("upload.max_bytes", "must be a positive integer")
	}
	if c.Upload.MaxFiles <= 0 {
		add("upload.max_files", "must be a positive integer")
	}

	for _, o := range c.CORS.Origins {
		if o == "*" {
			continue
		}
		if msg := checkHTTPURL(o); msg != "" {
			add("cors.origins", fmt.Sprintf("%s: %s", o, msg))
		}
	}

	for _, p := range c.TrustedProxies {
		if !validProxy(p) {
			add("trusted_proxies", fmt.Sprintf("%s: must be an IP address or CIDR range", p))
		}
	}

	oneOf(add, "log.format", c.Log.Format, "json", "text")
	oneOf(add, "log.level", c.Log.Level, "debug", "info", "warn", "error")

	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.AuthPerMinute <= 0 || c.RateLimit.LinkPerMinute <= 0 {
		add("rate_limit", "all per-minute limits must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		add("rate_limit.burst", "must be a positive integer")
	}

	if c.Lockout.MaxAttempts <= 0 {
		add("lockout.max_attempts", "must be a positive integer")
	}
	if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
		add("lockout", "window and duration must be positive")
	}

	return errors.Join(errs...)
}

func oneOf(add func(field, msg string), field, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	add(field, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

func validProxy(p string) bool {
	p = strings.TrimSpace(p)
	if strings.Contains(p, "/") {
		_, err := netip.ParsePrefix(p)
		return err == nil
	}
	_, err := netip.ParseAddr(p)
	return err == nil
}

func checkHTTPURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Sprintf("invalid URL format: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "URL must use http or https scheme"
	}
	if u.Host == "" {
		return "URL must include a host"
	}
	return ""
}

// Warnings lists optional settings that are left at values unsuitable for
// a real deployment.
func (c Config) Warnings() []string {
	var w []string
	if c.DatabaseURL == "" {
		w = append(w, "database_url not set - using the in-memory store, data is lost on restart")
	}
	if c.Audit.File == "" && (!c.Audit.DB || c.DatabaseURL == "") {
		w = append(w, "no audit sink configured - audit events are discarded")
	}
	if c.Log.Format != "json" && c.IsProduction() {
		w = append(w, "log.format is not json (consider 'json' for production)")
	}
	if strings.HasPrefix(c.BaseURL, "http://") && c.IsProduction() {
		w = append(w, "base_url uses plain http - share links will not be encrypted in transit")
	}
	return w
}
