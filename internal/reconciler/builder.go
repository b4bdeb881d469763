package reconciler

import (
	"context"
	"fmt"
	"strings"
)

// Builder resolves a ServiceSpec's image reference to a content-addressed
// digest, handing off to the Build Queue/Executor when the image is a
// mutable tag rather than an already-pinned digest. It is a port so this
// package does not import internal/buildqueue directly; the orchestrator
// entrypoint wires a concrete implementation in.
type Builder interface {
	// EnsureBuild returns done=false while a build is still in flight; the
	// reconciler polls again on its next tick. done=true carries the
	// resolved digest reference.
	EnsureBuild(ctx context.Context, tenantID, serviceName, image string) (digest string, done bool, err error)
}

// immediateBuilder treats any already-pinned "<repo>@sha256:<hex>" image
// as resolved and rejects mutable tags with an error, for callers that do not wire a
// real Builder (tests, and deployments that only ever reference digests).
type immediateBuilder struct{}

func (immediateBuilder) EnsureBuild(ctx context.Context, tenantID, serviceName, image string) (string, bool, error) {
	if strings.Contains(image, "@sha256:") {
		return image, true, nil
	}
	return "", false, fmt.Errorf("image %q is not pinned to a digest and no Builder is configured", image)
}
