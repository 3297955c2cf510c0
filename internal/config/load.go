package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// CLIOverrides holds values from CLI flags. Empty fields were not given.
type CLIOverrides struct {
	ConfigPath string // --config
	Account    string // --account
	DataDir    string // --data-dir
}

// ResolvedAccount is one account selected for this run, with its token
// location resolved.
type ResolvedAccount struct {
	Name string
	Account
	TokenPath string
}

// Resolved is the effective configuration after every override layer.
type Resolved struct {
	Config   *Config
	Path     string // config file path, which may not exist
	DataDir  string
	Accounts []ResolvedAccount // sorted by name
}

// DatabasePath returns the state database location.
func (r *Resolved) DatabasePath() string {
	return DatabasePath(r.DataDir)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := firstNonEmpty(cli.ConfigPath, env.ConfigPath, DefaultConfigPath())

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// No accounts configured: run with a synthetic one so the zero-config
	// first run works.
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = map[string]Account{DefaultAccountName: {}}
	}

	dataDir := expandTilde(firstNonEmpty(cli.DataDir, env.DataDir, cfg.DataDir, DefaultDataDir()))
	if dataDir == "" {
		return nil, errors.New("config validation: cannot determine data directory")
	}

	if !filepath.IsAbs(dataDir) {
		return nil, fmt.Errorf("config validation: data_dir: must be absolute after expansion, got %q", dataDir)
	}

	names, err := selectAccounts(cfg, firstNonEmpty(cli.Account, env.Account))
	if err != nil {
		return nil, err
	}

	resolved := &Resolved{Config: cfg, Path: cfgPath, DataDir: dataDir}

	for _, name := range names {
		acct := cfg.Accounts[name]

		tokenPath := expandTilde(acct.TokenFile)
		if tokenPath == "" {
			tokenPath = TokenPath(dataDir, name)
		}

		resolved.Accounts = append(resolved.Accounts, ResolvedAccount{
			Name:      name,
			Account:   acct,
			TokenPath: tokenPath,
		})
	}

	return resolved, nil
}

// selectAccounts returns every account name in sorted order, or only the
// requested one.
func selectAccounts(cfg *Config, want string) ([]string, error) {
	names := make([]string, 0, len(cfg.Accounts))
	for name := range cfg.Accounts {
		names = append(names, name)
	}

	slices.Sort(names)

	if want == "" {
		return names, nil
	}

	if _, ok := cfg.Accounts[want]; !ok {
		return nil, fmt.Errorf("account %q is not configured (known: %s)", want, strings.Join(names, ", "))
	}

	return []string{want}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
