package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-canvas/internal/auth"
	"github.com/tokligence/tokligence-canvas/internal/config"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	color.NoColor = true
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestInitTokenCreditBalance(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CANVAS_ENVIRONMENT", "")
	t.Setenv("CANVAS_JOB_STORE_PATH", filepath.Join(dir, "jobs.db"))
	t.Setenv("CANVAS_ARTIFACT_STORE_PATH", filepath.Join(dir, "artifacts.db"))

	out := run(t, "init", "--root", dir, "--ledger-path", filepath.Join(dir, "ledger.db"))
	require.Contains(t, out, "initialised")
	_, err := os.Stat(filepath.Join(dir, "config", "dev", "canvas.ini"))
	require.NoError(t, err)

	token := strings.TrimSpace(run(t, "token", "--root", dir, "--user", "9"))
	cfg, err := config.LoadCanvasConfig(dir)
	require.NoError(t, err)
	mgr, err := auth.NewManager(cfg.AuthSecret)
	require.NoError(t, err)
	uid, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	require.EqualValues(t, 9, uid)

	require.Contains(t, run(t, "credit", "--root", dir, "--user", "9", "--tokens", "30", "--purchase", "p-1"), "balance 30")
	require.Contains(t, run(t, "credit", "--root", dir, "--user", "9", "--tokens", "30", "--purchase", "p-1"), "balance 30")
	require.Contains(t, run(t, "balance", "--root", dir, "--user", "9"), `"paid": true`)
}
