package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/orchestrator/internal/config"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Node.ID = "n1"
	cfg.Node.DataDir = t.TempDir()
	cfg.Node.BindAddr = "127.0.0.1:0"
	cfg.Scheduler.ReconcileInterval = 20 * time.Millisecond
	return cfg
}

func TestNewWiresEverySubsystemWithoutError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d, err := New(testConfig(t), store)
	require.NoError(t, err)
	require.NoError(t, d.Bootstrap())
	t.Cleanup(func() { d.Shutdown() })

	require.Eventually(t, d.Plane.IsLeader, 5*time.Second, 50*time.Millisecond)
}

func TestRunReconcilesRegisteredServicesUntilCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d, err := New(testConfig(t), store)
	require.NoError(t, err)
	require.NoError(t, d.Bootstrap())
	require.Eventually(t, d.Plane.IsLeader, 5*time.Second, 50*time.Millisecond)

	spec := &domain.ServiceSpec{
		TenantID:  "t1",
		Name:      "svc",
		Image:     "registry.internal/svc@sha256:" + fixedDigest(),
		Ports:     []int32{8080},
		Autoscale: domain.Autoscale{Min: 1, Max: 1},
		Strategy:  domain.Strategy{Type: domain.StrategyRolling},
	}
	require.NoError(t, d.Plane.CreateServiceSpec(spec))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	attempts, err := d.Plane.Store().ListAttemptsByService("t1", "svc")
	require.NoError(t, err)
	require.NotEmpty(t, attempts)

	require.NoError(t, d.Shutdown())
}

func fixedDigest() string {
	return "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
}
