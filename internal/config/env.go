package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "NOTESYNC_CONFIG"
	EnvAccount = "NOTESYNC_ACCOUNT"
	EnvDataDir = "NOTESYNC_DATA_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // NOTESYNC_CONFIG: config file path
	Account    string // NOTESYNC_ACCOUNT: restrict commands to one account
	DataDir    string // NOTESYNC_DATA_DIR: database and token directory
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Account:    os.Getenv(EnvAccount),
		DataDir:    os.Getenv(EnvDataDir),
	}
}
