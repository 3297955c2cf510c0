// Package tokenfile reads and writes per-account credential files. A file
// holds the OAuth2 token plus a small metadata map (account label, last
// refresh time) that status output can show without touching the token.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the directory that holds token files.
const DirPerms = 0o700

// Metadata keys written by notesync.
const (
	MetaAccount     = "account"
	MetaRefreshedAt = "refreshed_at"
	MetaLastSyncAt  = "last_sync_at"
)

// ErrNoToken is returned by Load when the file parses but carries no token.
var ErrNoToken = errors.New("tokenfile: file has no token")

// file is the on-disk format.
type file struct {
	Token *oauth2.Token     `json:"token"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Load reads a token file. A missing file returns (nil, nil, nil) so callers
// can tell "never logged in" apart from a broken file.
func Load(path string) (*oauth2.Token, map[string]string, error) {
	f, err := read(path)
	if err != nil || f == nil {
		return nil, nil, err
	}

	if f.Token == nil || f.Token.AccessToken == "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoToken, path)
	}

	return f.Token, f.Meta, nil
}

// ReadMeta returns only the metadata map. A missing file returns (nil, nil).
func ReadMeta(path string) (map[string]string, error) {
	f, err := read(path)
	if err != nil || f == nil {
		return nil, err
	}

	return f.Meta, nil
}

func read(path string) (*file, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // missing file is not an error
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	return &f, nil
}

// Save writes the token and metadata atomically with FilePerms. Token
// values are never logged.
func Save(path string, tok *oauth2.Token, meta map[string]string) error {
	if tok == nil {
		return fmt.Errorf("tokenfile: refusing to save nil token to %s", path)
	}

	data, err := json.MarshalIndent(file{Token: tok, Meta: meta}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, err)
	}

	// Temp file in the same directory so rename(2) stays on one filesystem.
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	return nil
}

func writeSynced(f *os.File, data []byte) error {
	defer f.Close()

	if err := f.Chmod(FilePerms); err != nil {
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	return nil
}

// MergeMeta overwrites the given metadata keys in an existing token file
// and leaves the token untouched.
func MergeMeta(path string, meta map[string]string) error {
	tok, existing, err := Load(path)
	if err != nil {
		return err
	}

	if tok == nil {
		return fmt.Errorf("tokenfile: no token file at %s", path)
	}

	merged := make(map[string]string, len(existing)+len(meta))
	maps.Copy(merged, existing)
	maps.Copy(merged, meta)

	return Save(path, tok, merged)
}

// Remove deletes a token file. Removing a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}
