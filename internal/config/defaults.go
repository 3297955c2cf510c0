package config

// Default values for configuration options. These are layer 0 of the
// override chain and are used as-is when no config file exists.
const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
	defaultInitialDelay    = "1s"
	defaultMaxDelay        = "5m"
	defaultBackoffFactor   = 2.0
	defaultMaxInFlight     = 4
	defaultBaseURL         = "https://api.notesync.app"
	defaultRemoteTimeout   = "30s"
	defaultPollInterval    = "5m"
	defaultFullSyncEvery   = 12
	defaultEventsPerSecond = 50.0
	defaultTelemetryBurst  = 100
)

// DefaultAccountName is used when no account is configured, so a first run
// works without a config file.
const DefaultAccountName = "default"

// DefaultConfig returns a Config populated with all default values. It is
// both the starting point for TOML decoding (so unset fields keep their
// defaults) and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Queue: QueueConfig{
			InitialDelay:  defaultInitialDelay,
			MaxDelay:      defaultMaxDelay,
			BackoffFactor: defaultBackoffFactor,
			MaxInFlight:   defaultMaxInFlight,
		},
		Remote: RemoteConfig{
			BaseURL: defaultBaseURL,
			Timeout: defaultRemoteTimeout,
		},
		Sync: SyncConfig{
			PollInterval:  defaultPollInterval,
			FullSyncEvery: defaultFullSyncEvery,
		},
		Telemetry: TelemetryConfig{
			EventsPerSecond: defaultEventsPerSecond,
			Burst:           defaultTelemetryBurst,
		},
		Accounts: make(map[string]Account),
	}
}
