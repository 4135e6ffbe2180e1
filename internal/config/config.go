// Package config handles loading and parsing of s3relay configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for s3relay.
type Config struct {
	Server  ServerConfig    `yaml:"server"`
	Metrics MetricsConfig   `yaml:"metrics"`
	Tracing TracingConfig   `yaml:"tracing"`
	Buckets []BucketConfig  `yaml:"buckets"`
	Logging LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address                string         `yaml:"address"`
	ZeroCopy               ZeroCopyConfig `yaml:"zero_copy"`
	ShutdownTimeoutSeconds int            `yaml:"shutdown_timeout_seconds"`
}

// ZeroCopyConfig controls the spool-to-tempfile upload path.
type ZeroCopyConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig holds W3C Trace Context propagation and sampling settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Sampling    SamplingConfig    `yaml:"sampling"`
	Batch       TraceBatchConfig  `yaml:"batch"`
}

// SamplingConfig configures the trace sampler.
type SamplingConfig struct {
	BaseRate float64            `yaml:"base_rate"`
	Rules    []SamplingRuleYAML `yaml:"rules"`
}

// SamplingRuleYAML is a single path-based sampling override.
type SamplingRuleYAML struct {
	PathPattern string  `yaml:"path_pattern"`
	Rate        float64 `yaml:"rate"`
}

// TraceBatchConfig configures span export batching.
type TraceBatchConfig struct {
	MaxQueueSize          int `yaml:"max_queue_size"`
	ExportTimeoutSeconds  int `yaml:"export_timeout_seconds"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BucketConfig binds a URL path prefix to an ingress auth method, an
// authorization engine, an egress S3-compatible backend, and upload tuning
// parameters.
type BucketConfig struct {
	Name       string           `yaml:"name"`
	PathPrefix string           `yaml:"path_prefix"`
	Auth       BucketAuthConfig `yaml:"auth"`
	Authz      BucketAuthzConfig `yaml:"authz"`
	S3         S3Config         `yaml:"s3"`
	Upload     UploadConfig     `yaml:"upload"`
}

// BucketAuthConfig selects and configures the ingress authenticator.
type BucketAuthConfig struct {
	// Kind is "jwt" or "sigv4".
	Kind  string           `yaml:"kind"`
	JWT   JWTConfig        `yaml:"jwt"`
	SigV4 SigV4AuthConfig  `yaml:"sigv4"`
}

// JWTConfig configures JWT/JWKS ingress authentication. Exactly one of
// HMACSecret (HS256) or JWKSURL (RS/ES families) is expected to be set.
type JWTConfig struct {
	Issuer         string `yaml:"issuer"`
	Audience       string `yaml:"audience"`
	HMACSecret     string `yaml:"hmac_secret"`
	JWKSURL        string `yaml:"jwks_url"`
	JWKSTTLSeconds int    `yaml:"jwks_ttl_seconds"`
}

// SigV4AuthConfig configures ingress AWS SigV4 authentication.
type SigV4AuthConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// BucketAuthzConfig selects and configures the authorization engine.
type BucketAuthzConfig struct {
	// Kind is "rule", "relationship", or "none".
	Kind         string              `yaml:"kind"`
	Rule         RuleAuthzConfig     `yaml:"rule"`
	Relationship RelationAuthzConfig `yaml:"relationship"`
}

// RuleAuthzConfig configures an OPA-style policy engine.
type RuleAuthzConfig struct {
	URL             string `yaml:"url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// RelationAuthzConfig configures an OpenFGA-style relationship engine.
type RelationAuthzConfig struct {
	URL                   string `yaml:"url"`
	StoreID               string `yaml:"store_id"`
	AuthorizationModelID  string `yaml:"authorization_model_id"`
	TimeoutSeconds        int    `yaml:"timeout_seconds"`
	CacheTTLSeconds       int    `yaml:"cache_ttl_seconds"`
}

// S3Config describes the egress S3-compatible backend for a bucket binding.
type S3Config struct {
	Bucket                string `yaml:"bucket"`
	Region                string `yaml:"region"`
	Endpoint              string `yaml:"endpoint"`
	AccessKey             string `yaml:"access_key"`
	SecretKey             string `yaml:"secret_key"`
	MaxRetries            int    `yaml:"max_retries"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// UploadConfig tunes the upload handling path for a bucket binding.
type UploadConfig struct {
	MultipartThresholdBytes int64 `yaml:"multipart_threshold_bytes"`
	SpoolThresholdBytes     int64 `yaml:"spool_threshold_bytes"`
	PartSizeBytes           int64 `yaml:"part_size_bytes"`
	ConcurrentParts         int   `yaml:"concurrent_parts"`
}

const (
	defaultShutdownTimeoutSeconds = 30
	defaultZeroCopyBufferSize     = 65536
	defaultMetricsPort            = 9100
	defaultJWKSTTLSeconds         = 300
	defaultAuthzTimeoutSeconds    = 5
	defaultAuthzCacheTTLSeconds   = 30
	defaultS3MaxRetries           = 5
	defaultS3RequestTimeout       = 30
	defaultMultipartThreshold     = 50 * 1024 * 1024
	defaultSpoolThreshold         = 1024 * 1024
	defaultPartSize               = 5 * 1024 * 1024
	defaultConcurrentParts        = 4

	// ClockSkewTolerance is the maximum allowed difference between a request's
	// signing timestamp and server time, for SigV4 validation. JWT validation
	// does not apply it.
	ClockSkewTolerance = 15 * time.Minute

	// AuthzCacheMaxEntries is the authorization decision cache bound. The
	// authz package enforces its own maxCacheEntries constant of the same
	// value and does not read this one.
	AuthzCacheMaxEntries = 10000
)

// Load reads a YAML configuration file from the given path, expands
// ${NAME} environment variable references, applies defaults, and validates
// the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":9000"
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = defaultShutdownTimeoutSeconds
	}
	if cfg.Server.ZeroCopy.BufferSize == 0 {
		cfg.Server.ZeroCopy.BufferSize = defaultZeroCopyBufferSize
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = defaultMetricsPort
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	for i := range cfg.Buckets {
		b := &cfg.Buckets[i]
		if b.Auth.JWT.JWKSTTLSeconds == 0 {
			b.Auth.JWT.JWKSTTLSeconds = defaultJWKSTTLSeconds
		}
		if b.Authz.Rule.TimeoutSeconds == 0 {
			b.Authz.Rule.TimeoutSeconds = defaultAuthzTimeoutSeconds
		}
		if b.Authz.Rule.CacheTTLSeconds == 0 {
			b.Authz.Rule.CacheTTLSeconds = defaultAuthzCacheTTLSeconds
		}
		if b.Authz.Relationship.TimeoutSeconds == 0 {
			b.Authz.Relationship.TimeoutSeconds = defaultAuthzTimeoutSeconds
		}
		if b.Authz.Relationship.CacheTTLSeconds == 0 {
			b.Authz.Relationship.CacheTTLSeconds = defaultAuthzCacheTTLSeconds
		}
		if b.S3.MaxRetries == 0 {
			b.S3.MaxRetries = defaultS3MaxRetries
		}
		if b.S3.RequestTimeoutSeconds == 0 {
			b.S3.RequestTimeoutSeconds = defaultS3RequestTimeout
		}
		if b.Upload.MultipartThresholdBytes == 0 {
			b.Upload.MultipartThresholdBytes = defaultMultipartThreshold
		}
		if b.Upload.SpoolThresholdBytes == 0 {
			b.Upload.SpoolThresholdBytes = defaultSpoolThreshold
		}
		if b.Upload.PartSizeBytes == 0 {
			b.Upload.PartSizeBytes = defaultPartSize
		}
		if b.Upload.ConcurrentParts == 0 {
			b.Upload.ConcurrentParts = defaultConcurrentParts
		}
	}
}

func validate(cfg *Config) error {
	if len(cfg.Buckets) == 0 {
		return fmt.Errorf("at least one bucket binding is required")
	}

	seen := make(map[string]bool, len(cfg.Buckets))
	for _, b := range cfg.Buckets {
		if b.Name == "" {
			return fmt.Errorf("bucket binding missing name")
		}
		if b.PathPrefix == "" || b.PathPrefix[0] != '/' {
			return fmt.Errorf("bucket %q: path_prefix must start with '/'", b.Name)
		}
		prefix := strings.TrimRight(b.PathPrefix, "/")
		if prefix == "" {
			prefix = "/"
		}
		if seen[prefix] {
			return fmt.Errorf("bucket %q: duplicate path_prefix %q", b.Name, b.PathPrefix)
		}
		seen[prefix] = true

		switch b.Auth.Kind {
		case "jwt":
			if b.Auth.JWT.HMACSecret == "" && b.Auth.JWT.JWKSURL == "" {
				return fmt.Errorf("bucket %q: auth.jwt requires hmac_secret or jwks_url", b.Name)
			}
		case "sigv4":
			if b.Auth.SigV4.AccessKey == "" {
				return fmt.Errorf("bucket %q: auth.sigv4 requires access_key", b.Name)
			}
		default:
			return fmt.Errorf("bucket %q: auth.kind must be \"jwt\" or \"sigv4\", got %q", b.Name, b.Auth.Kind)
		}
		switch b.Authz.Kind {
		case "rule", "relationship", "none", "":
		default:
			return fmt.Errorf("bucket %q: authz.kind must be \"rule\", \"relationship\" or \"none\", got %q", b.Name, b.Authz.Kind)
		}
		if b.S3.Bucket == "" {
			return fmt.Errorf("bucket %q: s3.bucket is required", b.Name)
		}
		if b.S3.Region == "" {
			return fmt.Errorf("bucket %q: s3.region is required", b.Name)
		}
	}

	return nil
}
