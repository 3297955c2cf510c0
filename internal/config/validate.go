package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"time"

	"github.com/tonimelisma/notesync/internal/entity"
)

// Validation range constants.
const (
	minInitialDelay   = 100 * time.Millisecond
	maxMaxDelay       = 24 * time.Hour
	minBackoffFactor  = 1.0
	maxBackoffFactor  = 10.0
	minInFlight       = 1
	maxInFlight       = 64
	minRemoteTimeout  = 1 * time.Second
	minPollInterval   = 30 * time.Second
	minFullSyncEvery  = 1
	minTelemetryBurst = 1
)

// accountNamePattern keeps account names usable as file names.
var accountNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]*$`)

// Validate checks all configuration values and returns every error found,
// so users can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateQueue(&cfg.Queue)...)
	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	names := make([]string, 0, len(cfg.Accounts))
	for name := range cfg.Accounts {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		errs = append(errs, validateAccount(name, cfg.Accounts[name])...)
	}

	return errors.Join(errs...)
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("logging.level: must be one of debug, info, warn, error; got %q", l.Level))
	}

	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("logging.format: must be one of auto, text, json; got %q", l.Format))
	}

	return errs
}

func validateQueue(q *QueueConfig) []error {
	var errs []error

	initial, err := parseDurationMin("queue.initial_delay", q.InitialDelay, minInitialDelay)
	if err != nil {
		errs = append(errs, err)
	}

	maxDelay, err := parseDurationMin("queue.max_delay", q.MaxDelay, minInitialDelay)
	if err != nil {
		errs = append(errs, err)
	}

	if initial > 0 && maxDelay > 0 && maxDelay < initial {
		errs = append(errs, fmt.Errorf("queue.max_delay: must be >= initial_delay (%s), got %s", initial, maxDelay))
	}

	if maxDelay > maxMaxDelay {
		errs = append(errs, fmt.Errorf("queue.max_delay: must be <= %s, got %s", maxMaxDelay, maxDelay))
	}

	if q.BackoffFactor < minBackoffFactor || q.BackoffFactor > maxBackoffFactor {
		errs = append(errs, fmt.Errorf("queue.backoff_factor: must be between %g and %g, got %g",
			minBackoffFactor, maxBackoffFactor, q.BackoffFactor))
	}

	if q.MaxInFlight < minInFlight || q.MaxInFlight > maxInFlight {
		errs = append(errs, fmt.Errorf("queue.max_in_flight: must be between %d and %d, got %d",
			minInFlight, maxInFlight, q.MaxInFlight))
	}

	return errs
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	if err := validateURL("remote.base_url", r.BaseURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}

	if r.PushURL != "" {
		if err := validateURL("remote.push_url", r.PushURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := parseDurationMin("remote.timeout", r.Timeout, minRemoteTimeout); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL %q: %w", field, raw, err)
	}

	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%s: must be an absolute %s URL, got %q", field, schemes[0], raw)
	}

	return nil
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if _, err := parseDurationMin("sync.poll_interval", s.PollInterval, minPollInterval); err != nil {
		errs = append(errs, err)
	}

	if s.FullSyncEvery < minFullSyncEvery {
		errs = append(errs, fmt.Errorf("sync.full_sync_every: must be >= %d, got %d",
			minFullSyncEvery, s.FullSyncEvery))
	}

	return errs
}

func validateTelemetry(t *TelemetryConfig) []error {
	var errs []error

	if t.EventsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("telemetry.events_per_second: must be >= 0, got %g", t.EventsPerSecond))
	}

	if t.Burst < minTelemetryBurst {
		errs = append(errs, fmt.Errorf("telemetry.burst: must be >= %d, got %d", minTelemetryBurst, t.Burst))
	}

	return errs
}

func validateAccount(name string, a Account) []error {
	var errs []error

	if !accountNamePattern.MatchString(name) {
		errs = append(errs, fmt.Errorf("account %q: name may only contain letters, digits, '.', '_', '@' and '-'", name))
	}

	seen := make(map[string]bool, len(a.Scopes))

	for _, scope := range a.Scopes {
		if _, err := entity.ParseKind(scope); err != nil {
			errs = append(errs, fmt.Errorf("account %q: unknown scope %q", name, scope))
		}

		if seen[scope] {
			errs = append(errs, fmt.Errorf("account %q: scope %q listed twice", name, scope))
		}

		seen[scope] = true
	}

	if a.TokenURL != "" {
		if err := validateURL(fmt.Sprintf("account %q: token_url", name), a.TokenURL, "https", "http"); err != nil {
			errs = append(errs, err)
		}

		if a.ClientID == "" {
			errs = append(errs, fmt.Errorf("account %q: token_url requires client_id", name))
		}
	}

	return errs
}

// parseDurationMin parses a duration string and checks it meets a minimum.
func parseDurationMin(field, value string, minimum time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return 0, fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return d, nil
}
