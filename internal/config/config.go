// Package config provides YAML configuration loading and validation for the
// remotewatch agent.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remotewatch/agent/internal/resource"
)

// Config is the top-level configuration structure for the remotewatch agent.
type Config struct {
	// BaseURL resolves relative resource paths (e.g.
	// "https://cdn.example.com/"). Required when any resource path is
	// relative.
	BaseURL string `yaml:"base_url"`

	// PollInterval is the target spacing between polling rounds. Defaults to
	// 500ms.
	PollInterval time.Duration `yaml:"poll_interval"`

	// RequestTimeout bounds each probe and fetch. Defaults to 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxBodyBytes caps fetched bodies. Defaults to 16 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// UserAgent is sent on every request. Defaults to "remotewatch/1.0".
	UserAgent string `yaml:"user_agent"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// ListenAddr is the listen address of the control API (e.g.
	// "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// JournalPath is the SQLite file that journals lifecycle events before
	// delivery. Defaults to "remotewatch.db".
	JournalPath string `yaml:"journal_path"`

	// AuditLogPath is the hash-chained JSONL log of control actions. Empty
	// disables auditing.
	AuditLogPath string `yaml:"audit_log_path"`

	// PostgresDSN enables the PostgreSQL event store when set.
	PostgresDSN string `yaml:"postgres_dsn"`

	// JWTPublicKeyPath is a PEM-encoded RSA public key. When set, /api/v1
	// requires RS256 bearer tokens.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// DeliveryInterval is how often the journal is drained into the event
	// store. Defaults to 1s.
	DeliveryInterval time.Duration `yaml:"delivery_interval"`

	// DeliveryBatch is the maximum number of journal rows per delivery.
	// Defaults to 100.
	DeliveryBatch int `yaml:"delivery_batch"`

	// HealthAddr serves the standard gRPC health service (grpc.health.v1)
	// when set (e.g. "127.0.0.1:9001"). Empty disables it.
	HealthAddr string `yaml:"health_addr"`

	// HealthTLS secures the gRPC health endpoint. Plaintext when empty.
	HealthTLS TLSConfig `yaml:"health_tls"`

	// Resources is the list of resources watched from startup.
	Resources []ResourceSpec `yaml:"resources"`
}

// TLSConfig names the PEM files of a TLS listener. CAPath additionally
// requires and verifies client certificates.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

// Enabled reports whether a certificate is configured.
func (t TLSConfig) Enabled() bool { return t.CertPath != "" }

// ResourceSpec describes a single resource to watch.
type ResourceSpec struct {
	// Name is a human-readable label carried on every event (e.g.
	// "homepage-logo"). Required.
	Name string `yaml:"name"`

	// Path is an absolute URL or a path relative to base_url. Required.
	Path string `yaml:"path"`

	// PayloadKind is one of "text", "svg", "image", "video", or "binary".
	// Defaults to "text".
	PayloadKind string `yaml:"payload_kind"`
}

const (
	defaultPollInterval     = 500 * time.Millisecond
	defaultRequestTimeout   = 10 * time.Second
	defaultMaxBodyBytes     = 16 << 20
	defaultUserAgent        = "remotewatch/1.0"
	defaultListenAddr       = "127.0.0.1:9000"
	defaultJournalPath      = "remotewatch.db"
	defaultDeliveryInterval = time.Second
	defaultDeliveryBatch    = 100
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. The returned error joins every
// validation failure.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = defaultJournalPath
	}
	if cfg.DeliveryInterval == 0 {
		cfg.DeliveryInterval = defaultDeliveryInterval
	}
	if cfg.DeliveryBatch == 0 {
		cfg.DeliveryBatch = defaultDeliveryBatch
	}
	for i := range cfg.Resources {
		if cfg.Resources[i].PayloadKind == "" {
			cfg.Resources[i].PayloadKind = string(resource.PayloadText)
		}
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	hasBase := false
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("base_url %q: %w", cfg.BaseURL, err))
		case !u.IsAbs():
			errs = append(errs, fmt.Errorf("base_url %q must be an absolute URL", cfg.BaseURL))
		default:
			hasBase = true
		}
	}
	if cfg.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval %s must be positive", cfg.PollInterval))
	}
	if cfg.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout %s must be positive", cfg.RequestTimeout))
	}
	if cfg.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("max_body_bytes %d must be positive", cfg.MaxBodyBytes))
	}
	if cfg.DeliveryInterval < 0 {
		errs = append(errs, fmt.Errorf("delivery_interval %s must be positive", cfg.DeliveryInterval))
	}
	if cfg.DeliveryBatch < 0 {
		errs = append(errs, fmt.Errorf("delivery_batch %d must be positive", cfg.DeliveryBatch))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if tls := cfg.HealthTLS; (tls.CertPath == "") != (tls.KeyPath == "") {
		errs = append(errs, errors.New("health_tls: cert_path and key_path must be set together"))
	} else if tls.CAPath != "" && !tls.Enabled() {
		errs = append(errs, errors.New("health_tls: ca_path requires cert_path and key_path"))
	}

	names := make(map[string]int, len(cfg.Resources))
	paths := make(map[string]int, len(cfg.Resources))
	for i, r := range cfg.Resources {
		prefix := fmt.Sprintf("resources[%d]", i)
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if j, dup := names[r.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: name %q duplicates resources[%d]", prefix, r.Name, j))
		} else {
			names[r.Name] = i
		}

		if r.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		} else {
			if j, dup := paths[r.Path]; dup {
				errs = append(errs, fmt.Errorf("%s: path %q duplicates resources[%d]", prefix, r.Path, j))
			}
			paths[r.Path] = i
			if u, err := url.Parse(r.Path); err != nil {
				errs = append(errs, fmt.Errorf("%s: path %q: %w", prefix, r.Path, err))
			} else if !u.IsAbs() && !hasBase {
				errs = append(errs, fmt.Errorf("%s: relative path %q requires base_url", prefix, r.Path))
			}
		}

		if !resource.KnownPayloadKind(resource.PayloadKind(r.PayloadKind)) {
			errs = append(errs, fmt.Errorf("%s: payload_kind %q must be one of: text, svg, image, video, binary", prefix, r.PayloadKind))
		}
	}

	return errors.Join(errs...)
}

// ResourceByPath returns the spec registered under path.
func (c *Config) ResourceByPath(path string) (ResourceSpec, bool) {
	for _, r := range c.Resources {
		if r.Path == path {
			return r, true
		}
	}
	return ResourceSpec{}, false
}
