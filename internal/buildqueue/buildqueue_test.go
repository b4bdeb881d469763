package buildqueue

import (
	"testing"
	"time"

	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestPlane(t *testing.T) *control.Plane {
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

func TestEnqueueIsIdempotentForIdenticalTuple(t *testing.T) {
	plane := newTestPlane(t)
	q := New(plane, DefaultConfig())

	id1, err := q.Enqueue("t1", "git@repo", "abc123", map[string]string{"FOO": "bar"})
	require.NoError(t, err)

	id2, err := q.Enqueue("t1", "git@repo", "abc123", map[string]string{"FOO": "bar"})
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestEnqueueDistinguishesDifferentCommits(t *testing.T) {
	plane := newTestPlane(t)
	q := New(plane, DefaultConfig())

	id1, err := q.Enqueue("t1", "git@repo", "abc123", nil)
	require.NoError(t, err)
	id2, err := q.Enqueue("t1", "git@repo", "def456", nil)
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
}

func TestLeaseReturnsNilWhenQueueEmpty(t *testing.T) {
	plane := newTestPlane(t)
	q := New(plane, DefaultConfig())

	b, err := q.Lease("worker-1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestLeaseHonorsGlobalConcurrencyCap(t *testing.T) {
	plane := newTestPlane(t)
	cfg := DefaultConfig()
	cfg.GlobalConcurrency = 1
	cfg.TenantConcurrency = 5
	q := New(plane, cfg)

	_, err := q.Enqueue("t1", "repo", "sha1", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("t1", "repo", "sha2", nil)
	require.NoError(t, err)

	b1, err := q.Lease("worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, b1)

	_, err = q.Lease("worker-2", time.Minute)
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestLeaseHonorsPerTenantConcurrencyCap(t *testing.T) {
	plane := newTestPlane(t)
	cfg := DefaultConfig()
	cfg.GlobalConcurrency = 10
	cfg.TenantConcurrency = 1
	q := New(plane, cfg)

	_, err := q.Enqueue("t1", "repo", "sha1", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("t1", "repo", "sha2", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("t2", "repo", "sha3", nil)
	require.NoError(t, err)

	b1, err := q.Lease("worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t1", b1.TenantID)

	b2, err := q.Lease("worker-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "t2", b2.TenantID, "t1 is at its per-tenant cap so the next lease favors t2")
}

func TestLeaseRoundRobinsAcrossTenantsWithPendingWork(t *testing.T) {
	plane := newTestPlane(t)
	cfg := DefaultConfig()
	cfg.GlobalConcurrency = 10
	cfg.TenantConcurrency = 10
	q := New(plane, cfg)

	_, err := q.Enqueue("t1", "repo", "sha1", nil)
	require.NoError(t, err)
	_, err = q.Enqueue("t2", "repo", "sha2", nil)
	require.NoError(t, err)

	b1, err := q.Lease("worker-1", time.Minute)
	require.NoError(t, err)
	b2, err := q.Lease("worker-2", time.Minute)
	require.NoError(t, err)

	require.NotEqual(t, b1.TenantID, b2.TenantID, "round-robin cursor must alternate tenants")
}

func TestHeartbeatExtendsLease(t *testing.T) {
	plane := newTestPlane(t)
	q := New(plane, DefaultConfig())

	_, err := q.Enqueue("t1", "repo", "sha1", nil)
	require.NoError(t, err)
	b, err := q.Lease("worker-1", time.Minute)
	require.NoError(t, err)

	oldExpiry := b.LeaseExpires
	require.NoError(t, q.Heartbeat(b.ID, "worker-1", 10*time.Minute))

	refreshed, err := plane.Store().GetBuild(b.ID)
	require.NoError(t, err)
	require.True(t, refreshed.LeaseExpires.After(oldExpiry))
}

func TestHeartbeatRejectsWrongWorker(t *testing.T) {
	plane := newTestPlane(t)
	q := New(plane, DefaultConfig())

	_, err := q.Enqueue("t1", "repo", "sha1", nil)
	require.NoError(t, err)
	b, err := q.Lease("worker-1", time.Minute)
	require.NoError(t, err)

	err = q.Heartbeat(b.ID, "worker-2", time.Minute)
	require.ErrorIs(t, err, ErrLeaseHeldByOther)
}

func TestCompleteMarksBuildSucceededWithDigest(t *testing.T) {
	plane := newTestPlane(t)
	q := New(plane, DefaultConfig())

	_, err := q.Enqueue("t1", "repo", "sha1", nil)
	require.NoError(t, err)
	b, err := q.Lease("worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Complete(b.ID, "worker-1", "sha256:deadbeef", domain.ReasonNone))

	done, err := plane.Store().GetBuild(b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BuildSucceeded, done.State)
	require.Equal(t, "sha256:deadbeef", done.ImageDigest)
}

func TestCompleteMarksBuildFailedWithReason(t *testing.T) {
	plane := newTestPlane(t)
	q := New(plane, DefaultConfig())

	_, err := q.Enqueue("t1", "repo", "sha1", nil)
	require.NoError(t, err)
	b, err := q.Lease("worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Complete(b.ID, "worker-1", "", domain.ReasonBuildFailed))

	done, err := plane.Store().GetBuild(b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BuildFailed, done.State)
	require.Equal(t, domain.ReasonBuildFailed, done.FailureReason)
}

func TestCompleteRejectsWrongWorker(t *testing.T) {
	plane := newTestPlane(t)
	q := New(plane, DefaultConfig())

	_, err := q.Enqueue("t1", "repo", "sha1", nil)
	require.NoError(t, err)
	b, err := q.Lease("worker-1", time.Minute)
	require.NoError(t, err)

	err = q.Complete(b.ID, "worker-2", "digest", domain.ReasonNone)
	require.ErrorIs(t, err, ErrLeaseHeldByOther)
}

func TestExpiredLeaseIsRequeuedThenFailedAfterMaxAttempts(t *testing.T) {
	plane := newTestPlane(t)
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	q := New(plane, cfg)

	_, err := q.Enqueue("t1", "repo", "sha1", nil)
	require.NoError(t, err)

	b, err := q.Lease("worker-1", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, b)

	time.Sleep(5 * time.Millisecond)

	// Lease() sweeps expired leases before selecting a candidate: first
	// sweep requeues to Pending (Attempts=1, within cap) and re-leases it.
	b2, err := q.Lease("worker-2", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, b2)
	require.Equal(t, b.ID, b2.ID)
	require.Equal(t, 1, b2.Attempts)

	time.Sleep(5 * time.Millisecond)

	// Second expiry exceeds MaxAttempts=1, so the sweep fails the build
	// instead of requeuing it.
	b3, err := q.Lease("worker-3", time.Minute)
	require.NoError(t, err)
	require.Nil(t, b3)

	final, err := plane.Store().GetBuild(b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BuildFailed, final.State)
	require.Equal(t, domain.ReasonLeaseExpiredRepeatedly, final.FailureReason)
}
