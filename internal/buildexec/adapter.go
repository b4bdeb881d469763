package buildexec

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/orchestrator/internal/buildqueue"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/storage"
)

// BuildAdapter satisfies internal/reconciler's Builder port over
// internal/buildqueue, so a ServiceSpec whose Image is an unresolved
// source reference drives a real queued build instead of
// internal/reconciler's digest-only immediateBuilder fallback.
//
// Image is expected in "<repoURL>#<commitSHA>" form for unresolved
// builds; an already-pinned "<repo>@sha256:<hex>" image is returned
// unchanged without touching the queue, same as immediateBuilder.
type BuildAdapter struct {
	queue *buildqueue.Queue
	store storage.Store
}

// NewBuildAdapter constructs a BuildAdapter over queue.
func NewBuildAdapter(queue *buildqueue.Queue, store storage.Store) *BuildAdapter {
	return &BuildAdapter{queue: queue, store: store}
}

// EnsureBuild enqueues (idempotently) a build for image's source
// reference and reports whether it has reached a terminal state.
func (a *BuildAdapter) EnsureBuild(ctx context.Context, tenantID, serviceName, image string) (string, bool, error) {
	if strings.Contains(image, "@sha256:") {
		return image, true, nil
	}

	repoURL, commitSHA, ok := strings.Cut(image, "#")
	if !ok {
		return "", false, fmt.Errorf("buildexec: image %q is neither a digest pin nor a <repoURL>#<commitSHA> source reference", image)
	}

	buildID, err := a.queue.Enqueue(tenantID, repoURL, commitSHA, nil)
	if err != nil {
		return "", false, err
	}

	b, err := a.store.GetBuild(buildID)
	if err != nil {
		return "", false, err
	}

	switch b.State {
	case domain.BuildSucceeded:
		return b.ImageDigest, true, nil
	case domain.BuildFailed:
		return "", false, fmt.Errorf("build %s failed: %s", b.ID, b.FailureReason)
	default:
		return "", false, nil
	}
}
