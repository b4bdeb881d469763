package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/obs/log"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDocumentOverDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
  bindAddr: 10.0.0.1:7946
  dataDir: /var/lib/orchestrator
log:
  level: debug
  jsonOutput: false
budget:
  defaultCapCents: 500000
  unitCosts:
    - metric: cpu_seconds
      cents: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-a", cfg.Node.ID)
	require.Equal(t, "10.0.0.1:7946", cfg.Node.BindAddr)
	require.Equal(t, log.DebugLevel, cfg.LogLevel())

	budgetCfg := cfg.Budget.ToBudgetConfig()
	require.Equal(t, int64(500000), budgetCfg.DefaultCapCents)
	require.Equal(t, int64(7), budgetCfg.UnitCostCents[domain.MetricCPUSeconds])
	// Unspecified metrics still fall back to the package default.
	require.NotZero(t, budgetCfg.UnitCostCents[domain.MetricMemoryGBHours])
}

func TestLoadRejectsMissingNodeID(t *testing.T) {
	path := writeConfig(t, `
node:
  dataDir: /var/lib/orchestrator
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnreadablePath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefaultProducesBootstrappableSingleNodeConfig(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.Node.Bootstrap)
	require.NotEmpty(t, cfg.Node.ID)
	require.NotZero(t, cfg.Reconciler.RollingTimeout)
	require.NotZero(t, cfg.BuildQueue.GlobalConcurrency)
}
