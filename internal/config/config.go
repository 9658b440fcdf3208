// Package config loads diffbeltd/diffbelt-transform's configuration
// with the same precedence chain and JSONC-via-hujson parsing the
// teacher's top-level config.go uses: defaults, then a global user
// config, then a project config (or, when given, an explicit path in
// its place), then CLI overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrDataDirEmpty       = errors.New("data_dir cannot be empty")
)

// ConfigFileName is the default project-local config file name.
const ConfigFileName = ".diffbelt.json"

// GCConfig carries the garbage collector's batch size and backoff
// parameters (SPEC_FULL's GARBAGE COLLECTOR section), following the
// teacher's config-with-defaults pattern rather than hardcoding
// internal/gc.Options at construction.
type GCConfig struct {
	BatchSize      int           `json:"batch_size,omitempty"`
	InitialBackoff time.Duration `json:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `json:"max_backoff,omitempty"`
}

// TransformConfig carries the bounded-work limits §4.7.2 names, as
// configuration rather than code-level constants so an operator can
// tune them per deployment.
type TransformConfig struct {
	PendingEvalMapBytes int    `json:"pending_eval_map_bytes,omitempty"`
	TargetDataBytes     int    `json:"target_data_bytes,omitempty"`
	ApplyingBytes       int    `json:"applying_bytes,omitempty"`
	PendingPutsCount    int    `json:"pending_puts_count,omitempty"`
	WasmModuleDir       string `json:"wasm_module_dir,omitempty"`
}

// Config holds all configuration options for both binaries.
type Config struct {
	DataDir    string `json:"data_dir"` //nolint:tagliatelle // snake_case for config file
	ListenAddr string `json:"listen_addr,omitempty"`

	CursorTTL  time.Duration `json:"cursor_ttl,omitempty"`
	MaxCursors int           `json:"max_cursors,omitempty"`

	GC        GCConfig        `json:"gc,omitempty"`
	Transform TransformConfig `json:"transform,omitempty"`
}

// Sources tracks which config files were loaded, for operational
// logging at startup.
type Sources struct {
	Global  string
	Project string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir:    "./data",
		ListenAddr: "127.0.0.1:8765",
		CursorTTL:  15 * time.Minute,
		MaxCursors: 10000,
		GC: GCConfig{
			BatchSize:      500,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Transform: TransformConfig{
			PendingEvalMapBytes: 4 << 20,
			TargetDataBytes:     16 << 20,
			ApplyingBytes:       8 << 20,
			PendingPutsCount:    1000,
		},
	}
}

func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "diffbelt", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "diffbelt", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "diffbelt", "config.json")
	}

	return ""
}

// Load loads configuration with the following precedence (highest
// wins): 1. defaults, 2. global user config, 3. project config file
// (or explicit configPath), 4. cliOverrides (applied field by field by
// the caller via the returned base before use).
func Load(workDir, configPath string, env []string) (Config, Sources, error) {
	cfg := DefaultConfig()

	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	if err := validateConfig(cfg); err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var cfgFile string

	var mustExist bool

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, cfgFile, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.DataDir != "" {
		base.DataDir = overlay.DataDir
	}

	if overlay.ListenAddr != "" {
		base.ListenAddr = overlay.ListenAddr
	}

	if overlay.CursorTTL != 0 {
		base.CursorTTL = overlay.CursorTTL
	}

	if overlay.MaxCursors != 0 {
		base.MaxCursors = overlay.MaxCursors
	}

	if overlay.GC.BatchSize != 0 {
		base.GC.BatchSize = overlay.GC.BatchSize
	}

	if overlay.GC.InitialBackoff != 0 {
		base.GC.InitialBackoff = overlay.GC.InitialBackoff
	}

	if overlay.GC.MaxBackoff != 0 {
		base.GC.MaxBackoff = overlay.GC.MaxBackoff
	}

	if overlay.Transform.PendingEvalMapBytes != 0 {
		base.Transform.PendingEvalMapBytes = overlay.Transform.PendingEvalMapBytes
	}

	if overlay.Transform.TargetDataBytes != 0 {
		base.Transform.TargetDataBytes = overlay.Transform.TargetDataBytes
	}

	if overlay.Transform.ApplyingBytes != 0 {
		base.Transform.ApplyingBytes = overlay.Transform.ApplyingBytes
	}

	if overlay.Transform.PendingPutsCount != 0 {
		base.Transform.PendingPutsCount = overlay.Transform.PendingPutsCount
	}

	if overlay.Transform.WasmModuleDir != "" {
		base.Transform.WasmModuleDir = overlay.Transform.WasmModuleDir
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.DataDir == "" {
		return ErrDataDirEmpty
	}

	return nil
}

// Format returns the config as formatted JSON, for `diffbeltd
// -print-config`-style diagnostics.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
