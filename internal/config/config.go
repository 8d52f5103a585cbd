// Package config loads headlamp's config-file contract (spec §6 "Config
// file surface"): bootstrapCommand, sequential, jestArgs, coverage (table),
// coverageUi, editorCmd, changed (table), include, exclude. Loaded from
// three sources, lowest-to-highest priority: built-in
// defaults, the closest headlamp.toml/.headlamp.toml (cascading upward
// directory walk, closest wins, no merging across files), then HEADLAMP_*
// environment variables. CLI flags (argnorm) layer on top of this, outside
// the package.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigFileNames defines the config file names to search for, in priority order.
var ConfigFileNames = []string{".headlamp.toml", "headlamp.toml"}

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "HEADLAMP_"

// CoverageConfig mirrors the --coverage.<key> keyed options (spec §4.1),
// read from a [coverage] table in the config file. Only the table form is
// decoded; a bare boolean `coverage = true` is not accepted.
type CoverageConfig struct {
	Enabled        bool `koanf:"enabled"`
	AbortOnFailure bool `koanf:"abort-on-failure"`
	Mode           string `koanf:"mode"`
	PageFit        bool `koanf:"page-fit"`
}

// ChangedConfig mirrors --changed[=mode]/--changed.depth, read from a
// [changed] table with mode and depth. A bare mode string is not accepted,
// and there are no per-mode depth overrides.
type ChangedConfig struct {
	Mode  string `koanf:"mode"`
	Depth int    `koanf:"depth"`
}

// Config is headlamp's config-file contract (spec §6).
type Config struct {
	BootstrapCommand string   `koanf:"bootstrapCommand"`
	Sequential       bool     `koanf:"sequential"`
	JestArgs         []string `koanf:"jestArgs"`

	Coverage   CoverageConfig `koanf:"coverage"`
	CoverageUI string         `koanf:"coverageUi"`
	EditorCmd  string         `koanf:"editorCmd"`

	Changed ChangedConfig `koanf:"changed"`

	Include []string `koanf:"include"`
	Exclude []string `koanf:"exclude"`

	// ConfigFile is the path that was loaded, if any. Metadata, not
	// itself loaded from the file.
	ConfigFile string `koanf:"-"`
}

// Default returns the built-in defaults, layered under any config file and
// environment overrides.
func Default() *Config {
	return &Config{
		Sequential: false,
		Coverage: CoverageConfig{
			Mode: "auto",
		},
		CoverageUI: "jest",
		Changed: ChangedConfig{
			Mode:  "all",
			Depth: 1,
		},
	}
}

// Load discovers the closest config file for targetDir and loads it.
func Load(targetDir string) (*Config, error) {
	return loadWithConfigPath(Discover(targetDir))
}

// LoadFromFile loads a specific config file path, skipping discovery.
func LoadFromFile(configPath string) (*Config, error) {
	return loadWithConfigPath(configPath)
}

func loadWithConfigPath(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, err
		}
	}

	// HEADLAMP_COVERAGE_MODE -> coverage.mode, HEADLAMP_SEQUENTIAL -> sequential
	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyTransform), nil); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	cfg.ConfigFile = configPath
	return cfg, nil
}

// knownCamelKeys maps dot-separated env-derived patterns to their
// camelCase (or hyphenated) config-key equivalents.
var knownCamelKeys = map[string]string{
	"bootstrap.command": "bootstrapCommand",
	"jest.args":         "jestArgs",
	"coverage.ui":        "coverageUi",
	"editor.cmd":        "editorCmd",
	"abort.on.failure":  "abort-on-failure",
	"page.fit":          "page-fit",
}

// envKeyTransform converts HEADLAMP_* environment variable names to config
// keys. HEADLAMP_SEQUENTIAL -> sequential, HEADLAMP_COVERAGE_MODE ->
// coverage.mode, HEADLAMP_BOOTSTRAP_COMMAND -> bootstrapCommand.
func envKeyTransform(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", ".")
	for pattern, replacement := range knownCamelKeys {
		s = strings.ReplaceAll(s, pattern, replacement)
	}
	return s
}

// Discover walks up from targetDir looking for the closest config file —
// closest wins, no merging across levels.
func Discover(targetDir string) string {
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return ""
	}

	dir := absPath
	if info, statErr := os.Stat(absPath); statErr == nil && !info.IsDir() {
		dir = filepath.Dir(absPath)
	}

	for {
		for _, name := range ConfigFileNames {
			candidate := filepath.Join(dir, name)
			if fileExists(candidate) {
				return candidate
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
