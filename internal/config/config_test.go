package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscover_FindsClosestConfigWalkingUp(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	rootCfg := filepath.Join(root, "headlamp.toml")
	require.NoError(t, os.WriteFile(rootCfg, []byte("sequential = true\n"), 0o644))

	nestedCfg := filepath.Join(root, "a", ".headlamp.toml")
	require.NoError(t, os.WriteFile(nestedCfg, []byte("sequential = false\n"), 0o644))

	got := Discover(nested)
	require.Equal(t, nestedCfg, got)
}

func TestDiscover_NoConfigReturnsEmpty(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.Empty(t, Discover(root))
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	cfgPath := filepath.Join(root, "headlamp.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
sequential = true
bootstrapCommand = "npm run build"

[coverage]
mode = "full"
`), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)
	require.True(t, cfg.Sequential)
	require.Equal(t, "npm run build", cfg.BootstrapCommand)
	require.Equal(t, "full", cfg.Coverage.Mode)
	require.Equal(t, cfgPath, cfg.ConfigFile)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, "headlamp.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("sequential = false\n"), 0o644))

	t.Setenv("HEADLAMP_SEQUENTIAL", "true")

	cfg, err := Load(root)
	require.NoError(t, err)
	require.True(t, cfg.Sequential)
}

func TestDefault_HasExpectedZeroState(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.False(t, cfg.Sequential)
	require.Equal(t, "auto", cfg.Coverage.Mode)
	require.Equal(t, "jest", cfg.CoverageUI)
	require.Equal(t, "all", cfg.Changed.Mode)
	require.Equal(t, 1, cfg.Changed.Depth)
}
