package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable holding an optional YAML config file.
const FileEnv = "INGESTD_CONFIG"

// Config holds runtime configuration for the ingestion gateway.
type Config struct {
	Addr            string        `yaml:"addr" env:"INGESTD_ADDR,default=:3000"`
	ServiceName     string        `yaml:"service_name" env:"INGESTD_SERVICE_NAME,default=ingestd"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"INGESTD_SHUTDOWN_TIMEOUT,default=10s"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Broker Broker `yaml:"broker"`
	HTTP   HTTP   `yaml:"http"`
	Log    Log    `yaml:"log"`
}

// Broker configures the NATS connection, stream, and publishing.
type Broker struct {
	URL     string `yaml:"url" env:"NATS_URL,default=nats://127.0.0.1:4222"`
	Subject string `yaml:"subject" env:"INGESTD_SUBJECT,default=system_info"`
	Stream  string `yaml:"stream" env:"INGESTD_STREAM,default=SYSTEM_INFO"`
	// ProvisionStream is a pointer so an explicit false in the file survives the default.
	ProvisionStream *bool         `yaml:"provision_stream" env:"INGESTD_STREAM_PROVISION,default=true"`
	StreamMaxAge    time.Duration `yaml:"stream_max_age" env:"INGESTD_STREAM_MAX_AGE,default=168h"`
	DuplicateWindow time.Duration `yaml:"duplicate_window" env:"INGESTD_DUPLICATE_WINDOW,default=2m"`
	PublishTimeout  time.Duration `yaml:"publish_timeout" env:"INGESTD_PUBLISH_TIMEOUT,default=5s"`
	DialTimeout     time.Duration `yaml:"dial_timeout" env:"INGESTD_DIAL_TIMEOUT,default=2s"`
	ReconnectBase   time.Duration `yaml:"reconnect_base" env:"INGESTD_RECONNECT_BASE,default=250ms"`
	ReconnectMax    time.Duration `yaml:"reconnect_max" env:"INGESTD_RECONNECT_MAX,default=5s"`
	WindowRetries   uint64        `yaml:"window_retries" env:"INGESTD_RECONNECT_RETRIES,default=5"`
	CooldownInitial time.Duration `yaml:"cooldown_initial" env:"INGESTD_COOLDOWN_INITIAL,default=1s"`
	CooldownMax     time.Duration `yaml:"cooldown_max" env:"INGESTD_COOLDOWN_MAX,default=1m"`
}

// Provision reports whether the stream should be created on connect.
func (b Broker) Provision() bool {
	return b.ProvisionStream == nil || *b.ProvisionStream
}

// HTTP configures the ingestion endpoint.
type HTTP struct {
	MaxBodyBytes int64         `yaml:"max_body_bytes" env:"INGESTD_MAX_BODY_BYTES,default=4194304"`
	RetryAfter   time.Duration `yaml:"retry_after" env:"INGESTD_RETRY_AFTER,default=5s"`
	RateLimit    int           `yaml:"rate_limit" env:"INGESTD_RATE_LIMIT,default=0"`
	RateWindow   time.Duration `yaml:"rate_window" env:"INGESTD_RATE_WINDOW,default=1m"`
}

// Log configures the service logger.
type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"LOG_FORMAT,default=json"`
}

// Load returns a Config populated from the optional file named by
// INGESTD_CONFIG and the process environment.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, os.Getenv(FileEnv), envconfig.OsLookuper())
}

// LoadWith reads path (skipped when empty) and then applies variables from
// lookuper. Environment values win over file values; tag defaults only fill
// fields left unset by both.
func LoadWith(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           &cfg,
		Lookuper:         lookuper,
		DefaultOverwrite: true,
	}); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that the type system cannot.
func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("INGESTD_ADDR is required"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("INGESTD_SERVICE_NAME is required"))
	}
	if c.Broker.URL == "" {
		errs = append(errs, errors.New("NATS_URL is required"))
	}
	if c.Broker.Subject == "" || strings.ContainsAny(c.Broker.Subject, " \t*>") {
		errs = append(errs, fmt.Errorf("invalid INGESTD_SUBJECT: %q", c.Broker.Subject))
	}
	if c.Broker.Provision() && c.Broker.Stream == "" {
		errs = append(errs, errors.New("INGESTD_STREAM is required when provisioning is enabled"))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"INGESTD_SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"INGESTD_PUBLISH_TIMEOUT", c.Broker.PublishTimeout},
		{"INGESTD_DIAL_TIMEOUT", c.Broker.DialTimeout},
		{"INGESTD_RECONNECT_BASE", c.Broker.ReconnectBase},
		{"INGESTD_RECONNECT_MAX", c.Broker.ReconnectMax},
		{"INGESTD_COOLDOWN_INITIAL", c.Broker.CooldownInitial},
		{"INGESTD_COOLDOWN_MAX", c.Broker.CooldownMax},
		{"INGESTD_RETRY_AFTER", c.HTTP.RetryAfter},
		{"INGESTD_RATE_WINDOW", c.HTTP.RateWindow},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.d))
		}
	}

	if c.Broker.ReconnectMax < c.Broker.ReconnectBase {
		errs = append(errs, errors.New("INGESTD_RECONNECT_MAX must be >= INGESTD_RECONNECT_BASE"))
	}
	if c.Broker.CooldownMax < c.Broker.CooldownInitial {
		errs = append(errs, errors.New("INGESTD_COOLDOWN_MAX must be >= INGESTD_COOLDOWN_INITIAL"))
	}
	if c.Broker.StreamMaxAge < 0 || c.Broker.DuplicateWindow < 0 {
		errs = append(errs, errors.New("stream durations must not be negative"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("INGESTD_MAX_BODY_BYTES must be positive, got %d", c.HTTP.MaxBodyBytes))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("INGESTD_RATE_LIMIT must not be negative, got %d", c.HTTP.RateLimit))
	}

	return errors.Join(errs...)
}
