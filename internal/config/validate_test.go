package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"initial delay too small", func(c *Config) { c.Queue.InitialDelay = "1ms" }, "queue.initial_delay: must be >="},
		{"max below initial", func(c *Config) {
			c.Queue.InitialDelay = "10s"
			c.Queue.MaxDelay = "5s"
		}, "must be >= initial_delay"},
		{"max delay too large", func(c *Config) { c.Queue.MaxDelay = "48h" }, "queue.max_delay: must be <="},
		{"backoff factor", func(c *Config) { c.Queue.BackoffFactor = 0.5 }, "queue.backoff_factor"},
		{"in flight", func(c *Config) { c.Queue.MaxInFlight = 100 }, "queue.max_in_flight"},
		{"base url scheme", func(c *Config) { c.Remote.BaseURL = "ftp://x" }, "remote.base_url"},
		{"base url relative", func(c *Config) { c.Remote.BaseURL = "/v1" }, "remote.base_url"},
		{"push url scheme", func(c *Config) { c.Remote.PushURL = "https://push" }, "remote.push_url"},
		{"timeout", func(c *Config) { c.Remote.Timeout = "100ms" }, "remote.timeout"},
		{"poll interval", func(c *Config) { c.Sync.PollInterval = "1s" }, "sync.poll_interval"},
		{"full sync every", func(c *Config) { c.Sync.FullSyncEvery = 0 }, "sync.full_sync_every"},
		{"events per second", func(c *Config) { c.Telemetry.EventsPerSecond = -1 }, "telemetry.events_per_second"},
		{"burst", func(c *Config) { c.Telemetry.Burst = 0 }, "telemetry.burst"},
		{"account name", func(c *Config) { c.Accounts["../evil"] = Account{} }, "name may only contain"},
		{"scope", func(c *Config) { c.Accounts["work"] = Account{Scopes: []string{"notebook"}} }, `unknown scope "notebook"`},
		{"duplicate scope", func(c *Config) {
			c.Accounts["work"] = Account{Scopes: []string{"note", "note"}}
		}, "listed twice"},
		{"token url without client", func(c *Config) {
			c.Accounts["work"] = Account{TokenURL: "https://login.example.com/token"}
		}, "requires client_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_AcceptsPlainPushURL(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Remote.PushURL = "ws://localhost:9000/socket"
	cfg.Telemetry.EventsPerSecond = 0
	cfg.Accounts["me@example.com"] = Account{Scopes: []string{"page_reference"}}

	assert.NoError(t, Validate(cfg))
}

func TestDurationOr_FallsBackOnInvalid(t *testing.T) {
	t.Parallel()

	q := QueueConfig{InitialDelay: "nonsense"}
	assert.Equal(t, DefaultConfig().Queue.InitialDelayDuration(), q.InitialDelayDuration())
}
