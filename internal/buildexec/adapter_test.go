package buildexec

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/orchestrator/internal/buildqueue"
)

func TestBuildAdapterReturnsPinnedImageUnchanged(t *testing.T) {
	adapter := NewBuildAdapter(nil, nil)
	digest, done, err := adapter.EnsureBuild(context.Background(), "t1", "svc", "registry/repo@sha256:abc")
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, "registry/repo@sha256:abc", digest)
}

func TestBuildAdapterRejectsMalformedSourceReference(t *testing.T) {
	adapter := NewBuildAdapter(nil, nil)
	_, _, err := adapter.EnsureBuild(context.Background(), "t1", "svc", "not-a-valid-reference")
	require.Error(t, err)
}

func TestBuildAdapterPollsUntilBuildCompletes(t *testing.T) {
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

	queue := buildqueue.New(plane, buildqueue.DefaultConfig())
	adapter := NewBuildAdapter(queue, plane.Store())

	_, done, err := adapter.EnsureBuild(context.Background(), "t1", "svc", "https://example.com/repo.git#abc123")
	require.NoError(t, err)
	require.False(t, done, "build has just been enqueued, not yet built")

	b, err := queue.Lease("worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, queue.Complete(b.ID, "worker-1", "sha256:deadbeef", domain.ReasonNone))

	digest, done, err := adapter.EnsureBuild(context.Background(), "t1", "svc", "https://example.com/repo.git#abc123")
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, "sha256:deadbeef", digest)
}
