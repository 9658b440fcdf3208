package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadReturnsDefaultsWhenNoFilesExist(t *testing.T) {
	dir := t.TempDir()

	cfg, sources, err := Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	require.Empty(t, sources.Global)
	require.Empty(t, sources.Project)
}

func TestLoadProjectConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{
		// JSONC comments are fine via hujson
		"data_dir": "/var/lib/diffbelt",
		"listen_addr": "0.0.0.0:9000",
	}`)

	cfg, sources, err := Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/diffbelt", cfg.DataDir)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	require.Equal(t, filepath.Join(dir, ConfigFileName), sources.Project)
	// Untouched fields keep their defaults.
	require.Equal(t, DefaultConfig().GC, cfg.GC)
}

func TestLoadExplicitConfigPathMustExist(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Load(dir, "missing.json", nil)
	require.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoadRejectsEmptyDataDir(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{"data_dir": ""}`)

	_, _, err := Load(dir, "", nil)
	require.ErrorIs(t, err, ErrDataDirEmpty)
}

func TestLoadMalformedJSONIsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{not json`)

	_, _, err := Load(dir, "", nil)
	require.ErrorIs(t, err, ErrConfigInvalid)
}

func TestLoadGCOverridesMergeFieldByField(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{"gc": {"batch_size": 10}}`)

	cfg, _, err := Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.GC.BatchSize)
	require.Equal(t, DefaultConfig().GC.MaxBackoff, cfg.GC.MaxBackoff)
}

func TestGlobalConfigRespectsXDGConfigHomeFromEnv(t *testing.T) {
	xdg := t.TempDir()
	writeConfigFile(t, filepath.Join(xdg, "diffbelt", "config.json"), `{"data_dir": "/from/global"}`)

	dir := t.TempDir()

	cfg, sources, err := Load(dir, "", []string{"XDG_CONFIG_HOME=" + xdg})
	require.NoError(t, err)
	require.Equal(t, "/from/global", cfg.DataDir)
	require.Equal(t, filepath.Join(xdg, "diffbelt", "config.json"), sources.Global)
}

func TestFormatProducesIndentedJSON(t *testing.T) {
	out, err := Format(DefaultConfig())
	require.NoError(t, err)
	require.Contains(t, out, "\"data_dir\"")
	require.Contains(t, out, "  ")
}

func TestDurationFieldsRoundTripThroughJSON(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, filepath.Join(dir, ConfigFileName), `{"cursor_ttl": 60000000000}`)

	cfg, _, err := Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.CursorTTL)
}
