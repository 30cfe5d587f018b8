package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfigValidates(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, "filesystem", cfg.StorageConfig.BlobBackend)
	assert.Equal(t, 9, cfg.ArchiveConfig.RetentionMonths)
	assert.True(t, cfg.BrowserConfig.Headless)
}

func TestLoadConfigFromFileYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log_config:
  log_level: debug
storage_config:
  sqlite_path: /var/lib/webtrack/webtrack.db
  blob_backend: gcs
  gcs_bucket: webtrack-blobs
diff_config:
  ratio_mode: faster
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, "debug", cfg.LogConfig.LogLevel)
	assert.Equal(t, "gcs", cfg.StorageConfig.BlobBackend)
	assert.Equal(t, "webtrack-blobs", cfg.StorageConfig.GCSBucket)
	assert.Equal(t, "faster", cfg.DiffConfig.RatioMode)

	// Untouched sections keep their defaults.
	assert.Equal(t, NewDefaultFetchConfig(), cfg.FetchConfig)
}

func TestLoadConfigFromFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"server_config": {"listen_addr": ":9090"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ServerConfig.ListenAddr)
}

func TestLoadConfigFromFileMissing(t *testing.T) {
	_, err := LoadConfigFromFile("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoadConfigFromFileEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfigFromFile("")
	require.NoError(t, err)
	assert.Equal(t, NewDefaultConfig(), cfg)
}

func TestValidateConfigRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{
			name:   "empty sqlite path",
			mutate: func(cfg *Config) { cfg.StorageConfig.SQLitePath = "" },
		},
		{
			name:   "unknown blob backend",
			mutate: func(cfg *Config) { cfg.StorageConfig.BlobBackend = "s3" },
		},
		{
			name: "gcs backend without bucket",
			mutate: func(cfg *Config) {
				cfg.StorageConfig.BlobBackend = "gcs"
				cfg.StorageConfig.GCSBucket = ""
			},
		},
		{
			name:   "bad log level",
			mutate: func(cfg *Config) { cfg.LogConfig.LogLevel = "verbose" },
		},
		{
			name:   "bad ratio mode",
			mutate: func(cfg *Config) { cfg.DiffConfig.RatioMode = "exact" },
		},
		{
			name:   "signing key of wrong length",
			mutate: func(cfg *Config) { cfg.ServerConfig.SigningKey = "short" },
		},
		{
			name:   "threshold above one",
			mutate: func(cfg *Config) { cfg.DiffConfig.MatchThreshold = 1.5 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, ValidateConfig(cfg))
		})
	}
}

func TestGetConfigPathPrefersFlag(t *testing.T) {
	dir := t.TempDir()
	flagPath := filepath.Join(dir, "flagged.yaml")
	require.NoError(t, os.WriteFile(flagPath, []byte("{}"), 0o644))

	assert.Equal(t, flagPath, GetConfigPath(flagPath))
}

func TestGetConfigPathFallsBackToEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "from-env.yaml")
	require.NoError(t, os.WriteFile(envPath, []byte("{}"), 0o644))
	t.Setenv("WEBTRACK_CONFIG_PATH", envPath)

	assert.Equal(t, envPath, GetConfigPath(""))
	// A flag pointing nowhere also falls through to the env path.
	assert.Equal(t, envPath, GetConfigPath(filepath.Join(dir, "missing.yaml")))
}
