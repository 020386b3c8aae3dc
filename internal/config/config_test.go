package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.Overlay.TTL)
	assert.Equal(t, time.Second, cfg.Overlay.QueueTimeout)
	assert.Equal(t, 10*time.Second, cfg.Overlay.IdleThreshold)
	assert.Equal(t, 30*time.Second, cfg.Signal.Keepalive)
	assert.Equal(t, 10, cfg.Gossip.ViewSize)
	assert.NotEmpty(t, cfg.WebRTC.STUNServers)
}

func TestLoadOverridesAndFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signal:
  url: ws://example.com/signal
overlay:
  ttl: 7
media:
  source_url: http://origin/video.webm
  chunk_size: 1024
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://example.com/signal", cfg.Signal.URL)
	assert.Equal(t, 7, cfg.Overlay.TTL)
	assert.Equal(t, 1024, cfg.Media.ChunkSize)
	assert.Equal(t, "http://origin/video.webm", cfg.Media.SourceURL)

	// Unset values pick up defaults.
	assert.Equal(t, time.Second, cfg.Overlay.QueueTimeout)
	assert.Equal(t, 3, cfg.Media.Parallelism)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signal: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
