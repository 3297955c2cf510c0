package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHolder(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	h := NewHolder(cfg, "/etc/notesync/config.toml")

	require.NotNil(t, h)
	assert.Same(t, cfg, h.Config())
	assert.Equal(t, "/etc/notesync/config.toml", h.Path())
}

func TestHolder_Update(t *testing.T) {
	t.Parallel()

	cfg1 := DefaultConfig()
	h := NewHolder(cfg1, "/tmp/config.toml")

	cfg2 := DefaultConfig()
	cfg2.Sync.PollInterval = "10m"

	h.Update(cfg2)

	assert.Same(t, cfg2, h.Config())
	assert.Equal(t, "10m", h.Config().Sync.PollInterval)
}

func TestHolder_Reload(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, "[queue]\nmax_in_flight = 8\n")
	h := NewHolder(DefaultConfig(), path)

	cfg, err := h.Reload()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Queue.MaxInFlight)
	assert.Same(t, cfg, h.Config())
}

func TestHolder_ReloadInvalidKeepsPrevious(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, "[queue]\nmax_in_flight = 0\n")
	prev := DefaultConfig()
	h := NewHolder(prev, path)

	_, err := h.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_in_flight")
	assert.Same(t, prev, h.Config())
}

func TestHolder_ConcurrentReadWrite(t *testing.T) {
	t.Parallel()

	h := NewHolder(DefaultConfig(), "/tmp/config.toml")

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				assert.NotNil(t, h.Config())
				_ = h.Path()
			}
		}()
	}

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				h.Update(DefaultConfig())
			}
		}()
	}

	wg.Wait()
}
