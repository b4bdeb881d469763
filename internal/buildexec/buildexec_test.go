package buildexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/orchestrator/internal/buildqueue"
	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*Executor, *control.Plane, *buildqueue.Queue, *FakeSourceFetcher, *FakeImageBuilder, *FakePusher) {
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
	fetcher := NewFakeSourceFetcher()
	builder := &FakeImageBuilder{}
	pusher := NewFakePusher()

	exec := New(queue, plane, fetcher, builder, pusher, "worker-1", DefaultConfig())
	return exec, plane, queue, fetcher, builder, pusher
}

func TestDrainOneBuildsAndCompletesSuccessfully(t *testing.T) {
	exec, plane, queue, fetcher, _, pusher := newTestExecutor(t)

	buildID, err := queue.Enqueue("t1", "https://example.com/repo.git", "abc123", nil)
	require.NoError(t, err)

	exec.drainOne(context.Background())

	require.Len(t, fetcher.Calls, 1)
	require.Len(t, pusher.Pushed, 1)

	b, err := plane.Store().GetBuild(buildID)
	require.NoError(t, err)
	require.Equal(t, domain.BuildSucceeded, b.State)
	require.Equal(t, pusher.Digest, b.ImageDigest)
}

func TestDrainOneDoesNothingWhenQueueEmpty(t *testing.T) {
	exec, _, _, fetcher, _, pusher := newTestExecutor(t)

	exec.drainOne(context.Background())

	require.Empty(t, fetcher.Calls)
	require.Empty(t, pusher.Pushed)
}

func TestDrainOneMarksBuildFailedWhenPushErrors(t *testing.T) {
	exec, plane, queue, _, _, pusher := newTestExecutor(t)
	pusher.Err = errors.New("registry unreachable")

	buildID, err := queue.Enqueue("t1", "https://example.com/repo.git", "abc123", nil)
	require.NoError(t, err)

	exec.drainOne(context.Background())

	b, err := plane.Store().GetBuild(buildID)
	require.NoError(t, err)
	require.Equal(t, domain.BuildFailed, b.State)
	require.Equal(t, domain.ReasonBuildFailed, b.FailureReason)
}

func TestDrainOneMarksBuildFailedWhenFetchErrors(t *testing.T) {
	exec, plane, queue, fetcher, _, _ := newTestExecutor(t)
	fetcher.Err = errors.New("clone failed")

	buildID, err := queue.Enqueue("t1", "https://example.com/repo.git", "abc123", nil)
	require.NoError(t, err)

	exec.drainOne(context.Background())

	b, err := plane.Store().GetBuild(buildID)
	require.NoError(t, err)
	require.Equal(t, domain.BuildFailed, b.State)
}

func TestDuplicateEnqueueSharesOneExecutionAndDigest(t *testing.T) {
	exec, plane, queue, _, _, pusher := newTestExecutor(t)

	id1, err := queue.Enqueue("t1", "https://example.com/repo.git", "abc123", nil)
	require.NoError(t, err)
	id2, err := queue.Enqueue("t1", "https://example.com/repo.git", "abc123", nil)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	exec.drainOne(context.Background())
	require.Len(t, pusher.Pushed, 1)

	b, err := plane.Store().GetBuild(id1)
	require.NoError(t, err)
	require.Equal(t, domain.BuildSucceeded, b.State)
	require.Equal(t, pusher.Digest, b.ImageDigest)
}
