package secrets

import (
	"testing"
	"time"

	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlane(t *testing.T) *control.Plane {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	plane, err := control.New(control.Config{NodeID: "n1", DataDir: t.TempDir()}, store)
	require.NoError(t, err)
	require.NoError(t, plane.Bootstrap("127.0.0.1:0"))
	t.Cleanup(func() { plane.Shutdown() })
	require.Eventually(t, plane.IsLeader, 5*time.Second, 50*time.Millisecond)
	return plane
}

func TestManagerRoundTripsAndIsTenantScoped(t *testing.T) {
	plane := newTestPlane(t)
	mgr, err := NewManagerFromPassword(plane, "correct horse battery staple")
	require.NoError(t, err)

	require.NoError(t, mgr.Put("t1", "db", "password", "hunter2"))

	got, err := mgr.Resolve("t1", "db", "password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	_, err = mgr.Resolve("t2", "db", "password")
	assert.Error(t, err, "a secret written for t1 must not resolve under t2")
}

func TestResolveEnvMixesInlineAndSecretValues(t *testing.T) {
	plane := newTestPlane(t)
	mgr, err := NewManagerFromPassword(plane, "s3cr3t")
	require.NoError(t, err)
	require.NoError(t, mgr.Put("t1", "db", "password", "hunter2"))

	env := map[string]domain.EnvValue{
		"LOG_LEVEL":   {Value: "info"},
		"DB_PASSWORD": {FromSecret: "db.password"},
	}
	resolved, err := ResolveEnv(mgr, "t1", env)
	require.NoError(t, err)
	assert.Equal(t, "info", resolved["LOG_LEVEL"])
	assert.Equal(t, "hunter2", resolved["DB_PASSWORD"])
}

func TestResolveEnvErrorsWithoutAStoreWhenASecretIsReferenced(t *testing.T) {
	env := map[string]domain.EnvValue{"DB_PASSWORD": {FromSecret: "db.password"}}
	_, err := ResolveEnv(nil, "t1", env)
	assert.Error(t, err)
}

func TestResolveEnvRejectsMalformedFromSecretReference(t *testing.T) {
	plane := newTestPlane(t)
	mgr, err := NewManagerFromPassword(plane, "s3cr3t")
	require.NoError(t, err)

	env := map[string]domain.EnvValue{"DB_PASSWORD": {FromSecret: "nodot"}}
	_, err = ResolveEnv(mgr, "t1", env)
	assert.Error(t, err)
}
