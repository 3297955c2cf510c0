// Package config implements TOML configuration loading, validation, and
// path resolution for notesync. Values come from a three-layer chain
// (defaults -> config file -> environment); the CLI applies its flags last.
// Per-account settings live in [account.<name>] tables.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	DataDir   string             `toml:"data_dir"`
	Logging   LoggingConfig      `toml:"logging"`
	Queue     QueueConfig        `toml:"queue"`
	Remote    RemoteConfig       `toml:"remote"`
	Sync      SyncConfig         `toml:"sync"`
	Telemetry TelemetryConfig    `toml:"telemetry"`
	Accounts  map[string]Account `toml:"account"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // auto, text or json
}

// QueueConfig tunes the outbound queue's retry behavior and dispatch
// concurrency. These are the settings a running engine picks up on reload.
type QueueConfig struct {
	InitialDelay  string  `toml:"initial_delay"`
	MaxDelay      string  `toml:"max_delay"`
	BackoffFactor float64 `toml:"backoff_factor"`
	MaxInFlight   int     `toml:"max_in_flight"`
}

// RemoteConfig points the transport at the service.
type RemoteConfig struct {
	BaseURL   string `toml:"base_url"`
	PushURL   string `toml:"push_url"` // empty disables push signals
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
}

// SyncConfig controls watch mode.
type SyncConfig struct {
	PollInterval  string `toml:"poll_interval"`
	FullSyncEvery int    `toml:"full_sync_every"`
}

// TelemetryConfig throttles the telemetry log. Zero events_per_second
// disables throttling.
type TelemetryConfig struct {
	EventsPerSecond float64 `toml:"events_per_second"`
	Burst           int     `toml:"burst"`
}

// Account is one [account.<name>] table.
type Account struct {
	TokenFile string   `toml:"token_file"` // empty selects <data_dir>/tokens/<name>.json
	Scopes    []string `toml:"scopes"`     // empty selects every scope
	Paused    bool     `toml:"paused"`
	ClientID  string   `toml:"client_id"`
	TokenURL  string   `toml:"token_url"`
}

// InitialDelayDuration returns the parsed queue.initial_delay.
func (q QueueConfig) InitialDelayDuration() time.Duration {
	return durationOr(q.InitialDelay, defaultInitialDelay)
}

// MaxDelayDuration returns the parsed queue.max_delay.
func (q QueueConfig) MaxDelayDuration() time.Duration {
	return durationOr(q.MaxDelay, defaultMaxDelay)
}

// TimeoutDuration returns the parsed remote.timeout.
func (r RemoteConfig) TimeoutDuration() time.Duration {
	return durationOr(r.Timeout, defaultRemoteTimeout)
}

// PollIntervalDuration returns the parsed sync.poll_interval.
func (s SyncConfig) PollIntervalDuration() time.Duration {
	return durationOr(s.PollInterval, defaultPollInterval)
}

// durationOr parses s, falling back to def when s is empty or invalid.
// Loaded configs are validated, so the fallback only covers hand-built ones.
func durationOr(s, def string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	d, _ := time.ParseDuration(def)

	return d
}
