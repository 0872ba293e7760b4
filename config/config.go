// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/warp/points-ledger/ledger"
)

// Config contains server configuration parameters.
type Config struct {
	HTTP   HTTP   `envPrefix:"HTTP_"`
	DB     DB     `envPrefix:"DB_"`
	Log    Log    `envPrefix:"LOG_"`
	Remote Remote `envPrefix:"REMOTE_"`
	Trace  Trace  `envPrefix:"OTEL_"`

	// EmulateRemote serves the remote store in-process under /remote.
	EmulateRemote bool `env:"EMULATE_REMOTE" envDefault:"false"`

	SyncTimeout       time.Duration `env:"SYNC_TIMEOUT" envDefault:"5s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	DenialPolicy      string        `env:"DENIAL_POLICY" envDefault:"refund"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
}

// HTTP contains HTTP server parameters.
type HTTP struct {
	Port string `env:"PORT" envDefault:"8080"`
}

// DB contains local store parameters. An empty path keeps the local
// store in memory.
type DB struct {
	Path string `env:"PATH" envDefault:"points.db"`
}

// Log contains logging parameters.
type Log struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"`
}

// Remote contains remote store parameters.
type Remote struct {
	URL string `env:"URL"`
}

// Trace contains OpenTelemetry export parameters. Tracing is off when
// Endpoint is empty.
type Trace struct {
	// Endpoint is the full OTLP/HTTP traces URL, e.g.
	// http://localhost:4318/v1/traces.
	Endpoint    string  `env:"ENDPOINT"`
	ServiceName string  `env:"SERVICE_NAME" envDefault:"points-ledger"`
	SampleRatio float64 `env:"SAMPLE_RATIO" envDefault:"1"`
}

// NewConfig loads configuration from environment variables.
func NewConfig() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that parse but cannot run.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port == "" {
		errs = append(errs, errors.New("HTTP_PORT must be set"))
	}
	if !c.EmulateRemote && c.Remote.URL == "" {
		errs = append(errs, errors.New("REMOTE_URL must be set unless EMULATE_REMOTE is true"))
	}
	if c.SyncTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_TIMEOUT must be positive, got %s", c.SyncTimeout))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_INTERVAL must not be negative, got %s", c.ReconcileInterval))
	}
	if !ledger.DenialPolicy(c.DenialPolicy).Valid() {
		errs = append(errs, fmt.Errorf("DENIAL_POLICY must be %q or %q, got %q", ledger.RefundOnDenial, ledger.KeepOnDenial, c.DenialPolicy))
	}
	if c.Trace.SampleRatio < 0 || c.Trace.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1, got %g", c.Trace.SampleRatio))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Policy returns the configured denial policy.
func (c *Config) Policy() ledger.DenialPolicy {
	return ledger.DenialPolicy(c.DenialPolicy)
}
