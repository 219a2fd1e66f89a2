package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handover-sh/handover/internal/config"
	"github.com/handover-sh/handover/internal/fileset"
)

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.ChunkThreshold)
	assert.Nil(t, cfg.Discovery.ServiceToken)
	assert.Empty(t, cfg.Filtering.Exclusions)
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "handover")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
chunk_threshold = 50000000
bwlimit = 1048576
duplicates = "move"
backup_root = "/backups"

[filtering]
exclusions = ["/home/u/Library"]
allow_list = ["/home/u/Library/Preferences"]
excluded_extensions = [".tmp", ".cache"]
excluded_prefixes = ["."]

[discovery]
service_token = "_handover._tcp"
port = 54329
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.ChunkThreshold)
	assert.EqualValues(t, 50000000, *cfg.Defaults.ChunkThreshold)

	require.NotNil(t, cfg.Defaults.BWLimit)
	assert.EqualValues(t, 1048576, *cfg.Defaults.BWLimit)

	require.NotNil(t, cfg.Discovery.ServiceToken)
	assert.Equal(t, "_handover._tcp", *cfg.Discovery.ServiceToken)

	require.NotNil(t, cfg.Discovery.Port)
	assert.Equal(t, 54329, *cfg.Discovery.Port)

	policy := cfg.Policy()
	assert.Equal(t, fileset.DuplicateMove, policy.Duplicates)
	assert.Equal(t, "/backups", policy.BackupRoot)
	assert.Equal(t, []string{"/home/u/Library"}, policy.Exclusions)
	assert.Equal(t, []string{"/home/u/Library/Preferences"}, policy.AllowList)
	assert.Equal(t, []string{".tmp", ".cache"}, policy.ExcludedExtensions)
	assert.Equal(t, []string{"."}, policy.ExcludedPrefixes)
}

func TestLoad_PartialConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "handover")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[filtering]
excluded_prefixes = ["~$"]
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Nil(t, cfg.Defaults.ChunkThreshold)
	assert.Equal(t, []string{"~$"}, cfg.Filtering.ExcludedPrefixes)

	// Unset duplicate policy falls back to overwrite.
	assert.Equal(t, fileset.DuplicateOverwrite, cfg.Policy().Duplicates)
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "handover")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("invalid [[["), 0o644))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/handover/config.toml", config.Path())
}
