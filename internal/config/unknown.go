package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

const accountSection = "account"

// knownSectionKeys lists the valid keys of every fixed section. Sorted for
// deterministic suggestions when two candidates have the same distance.
var knownSectionKeys = map[string][]string{
	"logging":   {"format", "level"},
	"queue":     {"backoff_factor", "initial_delay", "max_delay", "max_in_flight"},
	"remote":    {"base_url", "push_url", "timeout", "user_agent"},
	"sync":      {"full_sync_every", "poll_interval"},
	"telemetry": {"burst", "events_per_second"},
}

var knownAccountKeys = []string{"client_id", "paused", "scopes", "token_file", "token_url"}

// knownTopLevel is every valid top-level name: plain keys and section names.
var knownTopLevel = func() []string {
	keys := slices.Collect(maps.Keys(knownSectionKeys))
	keys = append(keys, "data_dir", accountSection)
	slices.Sort(keys)

	return keys
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if err == nil || seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. Keys below an unknown
// section or field report the outermost unknown name only.
func unknownKeyError(key toml.Key) error {
	section := key[0]

	if len(key) == 1 || !slices.Contains(knownTopLevel, section) {
		return withSuggestion(fmt.Sprintf("unknown config key %q", section), section, knownTopLevel)
	}

	if section == accountSection {
		if len(key) < 3 {
			return nil
		}

		return withSuggestion(
			fmt.Sprintf("unknown config key %q in account %q", key[2], key[1]), key[2], knownAccountKeys)
	}

	return withSuggestion(
		fmt.Sprintf("unknown config key %q in [%s]", key[1], section), key[1], knownSectionKeys[section])
}

func withSuggestion(msg, unknown string, known []string) error {
	if s := closestMatch(unknown, known); s != "" {
		return fmt.Errorf("%s, did you mean %q?", msg, s)
	}

	return errors.New(msg)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using a
// single-row table.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
