package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/ledger"
)

func TestNewConfig_DefaultValues(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, "points.db", cfg.DB.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "", cfg.Remote.URL)
	assert.False(t, cfg.EmulateRemote)
	assert.Equal(t, 5*time.Second, cfg.SyncTimeout)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, ledger.RefundOnDenial, cfg.Policy())
	assert.Empty(t, cfg.CORSOrigins)
	assert.Equal(t, "", cfg.Trace.Endpoint)
	assert.Equal(t, "points-ledger", cfg.Trace.ServiceName)
	assert.Equal(t, 1.0, cfg.Trace.SampleRatio)
}

func TestNewConfig_EnvironmentOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected func(*Config)
	}{
		{
			name:    "http and db",
			envVars: map[string]string{"HTTP_PORT": "9090", "DB_PATH": "/tmp/ledger.db"},
			expected: func(cfg *Config) {
				assert.Equal(t, "9090", cfg.HTTP.Port)
				assert.Equal(t, "/tmp/ledger.db", cfg.DB.Path)
			},
		},
		{
			name: "remote and sync",
			envVars: map[string]string{
				"REMOTE_URL":         "http://localhost:3001",
				"SYNC_TIMEOUT":       "750ms",
				"RECONCILE_INTERVAL": "0",
				"EMULATE_REMOTE":     "true",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "http://localhost:3001", cfg.Remote.URL)
				assert.Equal(t, 750*time.Millisecond, cfg.SyncTimeout)
				assert.Zero(t, cfg.ReconcileInterval)
				assert.True(t, cfg.EmulateRemote)
			},
		},
		{
			name:    "ledger and logging",
			envVars: map[string]string{"DENIAL_POLICY": "keep", "LOG_LEVEL": "debug", "LOG_FORMAT": "json"},
			expected: func(cfg *Config) {
				assert.Equal(t, ledger.KeepOnDenial, cfg.Policy())
				assert.Equal(t, "debug", cfg.Log.Level)
				assert.Equal(t, "json", cfg.Log.Format)
			},
		},
		{
			name: "tracing",
			envVars: map[string]string{
				"OTEL_ENDPOINT":     "http://collector:4318/v1/traces",
				"OTEL_SERVICE_NAME": "ledger-eu",
				"OTEL_SAMPLE_RATIO": "0.25",
			},
			expected: func(cfg *Config) {
				assert.Equal(t, "http://collector:4318/v1/traces", cfg.Trace.Endpoint)
				assert.Equal(t, "ledger-eu", cfg.Trace.ServiceName)
				assert.Equal(t, 0.25, cfg.Trace.SampleRatio)
			},
		},
		{
			name:    "cors origins",
			envVars: map[string]string{"CORS_ORIGINS": "http://a.test,http://b.test"},
			expected: func(cfg *Config) {
				assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := NewConfig()
			require.NoError(t, err)

			tt.expected(cfg)
		})
	}
}

func TestNewConfig_InvalidDuration(t *testing.T) {
	t.Setenv("SYNC_TIMEOUT", "soon")

	_, err := NewConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			HTTP:              HTTP{Port: "8080"},
			Log:               Log{Level: "info", Format: "text"},
			Remote:            Remote{URL: "http://remote"},
			SyncTimeout:       time.Second,
			ReconcileInterval: time.Minute,
			DenialPolicy:      "refund",
			Trace:             Trace{SampleRatio: 1},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no remote", func(c *Config) { c.Remote.URL = "" }, "REMOTE_URL"},
		{"zero timeout", func(c *Config) { c.SyncTimeout = 0 }, "SYNC_TIMEOUT"},
		{"negative interval", func(c *Config) { c.ReconcileInterval = -time.Second }, "RECONCILE_INTERVAL"},
		{"bad policy", func(c *Config) { c.DenialPolicy = "burn" }, "DENIAL_POLICY"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "LOG_FORMAT"},
		{"no port", func(c *Config) { c.HTTP.Port = "" }, "HTTP_PORT"},
		{"sample ratio", func(c *Config) { c.Trace.SampleRatio = 1.5 }, "OTEL_SAMPLE_RATIO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}

	emulated := valid()
	emulated.Remote.URL = ""
	emulated.EmulateRemote = true
	assert.NoError(t, emulated.Validate())
}
