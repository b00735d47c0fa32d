package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-dev/deckhand/internal/journal"
)

func TestLoadDefaults(t *testing.T) {
	// Point HOME at an empty dir so no real config file leaks in.
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, journal.DefaultPath, cfg.JournalPath)
	assert.Equal(t, "deckhand.yaml", cfg.Manifest)
	assert.Equal(t, 3, cfg.PullConcurrency)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
journal_path: /tmp/journal.db
pull_concurrency: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/journal.db", cfg.JournalPath)
	assert.Equal(t, 5, cfg.PullConcurrency)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DECKHAND_LOG_LEVEL", "warn")
	t.Setenv("DECKHAND_REGION", "eu-west-1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "eu-west-1", cfg.Region)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown log level")

	require.NoError(t, os.WriteFile(path, []byte("pull_concurrency: 0\n"), 0o644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "pull_concurrency")
}
