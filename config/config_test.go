package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/credit"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(nil, "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "./data/ledger.db", cfg.Database.Path)
	assert.Equal(t, 10, cfg.Database.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Database.BusyTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Database.RetryInitialInterval)
	assert.Equal(t, 2.0, cfg.Database.RetryMultiplier)
	assert.Equal(t, 5, cfg.Database.RetryMaxAttempts)
	assert.Equal(t, credit.TargetExact, cfg.Ledger.TargetPolicy)
	assert.Zero(t, cfg.Reconcile.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// GIVEN: A config file setting the path and policy
	// WHEN: LEDGER_DATABASE_PATH is also set
	// THEN: The environment wins; untouched file values survive

	dir := t.TempDir()
	file := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
database:
  path: /srv/file.db
  pool_size: 4
ledger:
  target_policy: up_to
reconcile:
  interval: 1h
`), 0o600))
	t.Setenv("LEDGER_DATABASE_PATH", "/srv/env.db")

	cfg, err := Load(nil, file)
	require.NoError(t, err)

	assert.Equal(t, "/srv/env.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Database.PoolSize)
	assert.Equal(t, credit.TargetUpTo, cfg.Ledger.TargetPolicy)
	assert.Equal(t, time.Hour, cfg.Reconcile.Interval)

	store := cfg.Database.Store()
	assert.Equal(t, "/srv/env.db", store.Path)
	assert.Equal(t, 4, store.PoolSize)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load(nil, "")
	require.NoError(t, err)

	cfg.Database.Path = ""
	cfg.Database.PoolSize = 0
	cfg.Ledger.TargetPolicy = "whatever"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
	assert.Contains(t, err.Error(), "pool_size")
	assert.Contains(t, err.Error(), "target_policy")
}

// chdir changes the working directory for the rest of the test and restores
// it afterwards, like testing.T.Chdir (Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
