// ABOUTME: Tests for the parlor CLI subcommands against a temporary config and database
// ABOUTME: Covers init, account create, grant, token, and flag validation

package main

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parlor/internal/config"
	"github.com/2389/parlor/internal/store"
)

func initConfig(t *testing.T) (configPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "parlor.yaml")
	dbPath = filepath.Join(dir, "data", "parlor.db")
	require.NoError(t, runInit([]string{"--config", configPath, "--db", dbPath}))
	return configPath, dbPath
}

func TestRunInit_WritesLoadableConfig(t *testing.T) {
	configPath, dbPath := initConfig(t)

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, dbPath, cfg.Database.Path)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), 32)
	assert.Equal(t, "none", cfg.Content.Provider)
	assert.Equal(t, int64(25), cfg.Cost("gift"))

	err = runInit([]string{"--config", configPath, "--db", dbPath})
	assert.Error(t, err, "refuses to overwrite without --force")
	assert.NoError(t, runInit([]string{"--config", configPath, "--db", dbPath, "--force"}))
}

func TestRunAccountGrantToken(t *testing.T) {
	configPath, dbPath := initConfig(t)
	ctx := t.Context()

	require.NoError(t, runAccount(ctx, []string{"create",
		"--config", configPath,
		"--id", "u1",
		"--role", "user",
		"--name", "Uma",
		"--grant", "10",
	}))
	require.NoError(t, runGrant(ctx, []string{"--config", configPath, "--account", "u1", "--coins", "15"}))

	s, err := store.NewSQLiteStore(dbPath, store.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	acct, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), acct.Balance)
	entries, err := s.ListLedgerEntries(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	require.NoError(t, s.Close())

	assert.NoError(t, runToken(ctx, []string{"--config", configPath, "--account", "u1", "--role", "user"}))
	assert.Error(t, runToken(ctx, []string{"--config", configPath, "--account", "u1", "--role", "admin"}))
	assert.Error(t, runToken(ctx, []string{"--config", configPath, "--account", "ghost", "--role", "user"}))
}

func TestRunAccount_Validation(t *testing.T) {
	configPath, _ := initConfig(t)
	ctx := t.Context()

	tests := []struct {
		name string
		args []string
	}{
		{"missing subcommand", []string{}},
		{"unknown subcommand", []string{"delete"}},
		{"bad role", []string{"create", "--config", configPath, "--role", "king", "--name", "K"}},
		{"missing name", []string{"create", "--config", configPath, "--role", "user"}},
		{"negative grant", []string{"create", "--config", configPath, "--role", "user", "--name", "U", "--grant", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, runAccount(ctx, tt.args))
		})
	}

	assert.Error(t, runGrant(ctx, []string{"--config", configPath, "--account", "u1", "--coins", "0"}))
	assert.Error(t, runGrant(ctx, []string{"--config", configPath, "--account", "ghost", "--coins", "5"}))
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("PARLOR_CONFIG", "/etc/parlor/env.yaml")
	assert.Equal(t, "/tmp/flag.yaml", resolveConfigPath("/tmp/flag.yaml"))
	assert.Equal(t, "/etc/parlor/env.yaml", resolveConfigPath(""))
}

func TestSetupLogger_Levels(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn"})
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))

	derived := logger.With("component", "test").WithGroup("g")
	assert.True(t, derived.Enabled(t.Context(), slog.LevelError))
}
