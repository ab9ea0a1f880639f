package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.Solver.MaxIters)
	assert.Equal(t, "strict", cfg.Solver.VerificationPolicy)
	assert.Equal(t, "gemini-2.5-flash", cfg.Oracle.Model)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msolve.yaml")
	body := "solver:\n  max_iters: 50\n  verification_policy: strict+epilogue\noracle:\n  model: gemini-2.0-pro\n  timeout: 30s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Solver.MaxIters)
	assert.Equal(t, "strict+epilogue", cfg.Solver.VerificationPolicy)
	assert.Equal(t, "gemini-2.0-pro", cfg.Oracle.Model)
	// Unset keys keep their defaults.
	assert.Equal(t, 5, cfg.Solver.QAMaxRetries)

	d, err := cfg.OracleTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msolve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("solver:\n  verification_policy: lenient\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verification_policy")
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "test-key", cfg.Oracle.APIKey)
}
