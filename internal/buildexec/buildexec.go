// Package buildexec consumes leased build jobs from internal/buildqueue,
// produces an OCI image, and pushes it to a registry. It generalizes the
// worker's ticker-driven poll loop (pkg/worker/worker.go's heartbeatLoop:
// time.NewTicker plus a select over the tick and a stop channel) from
// heartbeat delivery to job leasing.
//
// Source fetching and the actual compile/package step are pluggable ports
// (SourceFetcher, ImageBuilder): turning a commit into build artifacts is
// language- and toolchain-specific and out of scope here, the same way
// internal/reconciler treats image resolution as a Builder port it does
// not implement itself.
package buildexec

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"

	"github.com/cuemby/orchestrator/internal/buildqueue"
	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/idgen"
	"github.com/cuemby/orchestrator/internal/metrics"
	"github.com/cuemby/orchestrator/internal/obs/log"
)

// SourceFetcher materializes a (repoURL, commitSHA) pair into a local
// build context. cleanup removes any on-disk state Fetch created.
type SourceFetcher interface {
	Fetch(ctx context.Context, repoURL, commitSHA string) (srcDir string, cleanup func(), err error)
}

// ImageBuilder turns a fetched build context into an OCI image.
type ImageBuilder interface {
	Build(ctx context.Context, srcDir string, buildEnv map[string]string) (v1.Image, error)
}

// Pusher pushes an image to ref and reports its content digest.
type Pusher interface {
	Push(ctx context.Context, ref name.Reference, img v1.Image) (digest string, err error)
}

// Config tunes the executor's poll cadence and registry target.
type Config struct {
	PollInterval time.Duration
	LeaseTTL     time.Duration
	Registry     string // e.g. "registry.internal/orchestrator"
}

// DefaultConfig returns reasonable defaults for a single worker process.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		LeaseTTL:     5 * time.Minute,
		Registry:     "registry.internal/orchestrator",
	}
}

// Executor pulls leased builds off a Queue and runs them to completion.
type Executor struct {
	queue    *buildqueue.Queue
	plane    *control.Plane
	fetcher  SourceFetcher
	builder  ImageBuilder
	pusher   Pusher
	workerID string
	cfg      Config
}

// New constructs an Executor. A nil fetcher/builder/pusher falls back to
// the package defaults (a no-clone SourceFetcher, a deterministic
// single-layer ImageBuilder, and a go-containerregistry remote Pusher).
func New(queue *buildqueue.Queue, plane *control.Plane, fetcher SourceFetcher, builder ImageBuilder, pusher Pusher, workerID string, cfg Config) *Executor {
	if fetcher == nil {
		fetcher = passthroughFetcher{}
	}
	if builder == nil {
		builder = syntheticImageBuilder{}
	}
	if pusher == nil {
		pusher = remotePusher{}
	}
	return &Executor{
		queue:    queue,
		plane:    plane,
		fetcher:  fetcher,
		builder:  builder,
		pusher:   pusher,
		workerID: workerID,
		cfg:      cfg,
	}
}

// Run leases and executes builds until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainOne(ctx)
		}
	}
}

// drainOne leases and runs at most one build; it is exported indirectly
// through Run but kept separate so tests can single-step it.
func (e *Executor) drainOne(ctx context.Context) {
	job, err := e.queue.Lease(e.workerID, e.cfg.LeaseTTL)
	if err != nil {
		if err != buildqueue.ErrCapacityExceeded {
			log.Errorf("lease build job", err)
		}
		return
	}
	if job == nil {
		return
	}
	e.execute(ctx, job)
}

func (e *Executor) execute(ctx context.Context, job *domain.Build) {
	timer := metrics.NewTimer()
	e.emit(job, domain.EventBuildingStarted, nil)

	srcDir, cleanup, err := e.fetcher.Fetch(ctx, job.RepoURL, job.CommitSHA)
	if err != nil {
		e.fail(job, domain.ReasonBuildFailed, err)
		return
	}
	if cleanup != nil {
		defer cleanup()
	}

	img, err := e.builder.Build(ctx, srcDir, job.BuildEnv)
	if err != nil {
		e.fail(job, domain.ReasonBuildFailed, err)
		return
	}

	ref, err := name.ParseReference(fmt.Sprintf("%s/%s", e.cfg.Registry, sanitizeRepoRef(job.RepoURL)))
	if err != nil {
		e.fail(job, domain.ReasonBuildFailed, err)
		return
	}

	e.emit(job, domain.EventBuildingLayerPushed, map[string]any{"n": 1, "total": 1})
	digest, err := e.pusher.Push(ctx, ref, img)
	if err != nil {
		e.fail(job, domain.ReasonBuildFailed, err)
		return
	}

	timer.ObserveDuration(metrics.BuildDuration)
	if err := e.queue.Complete(job.ID, e.workerID, digest, domain.ReasonNone); err != nil {
		log.Errorf("complete succeeded build", err)
		return
	}
	e.emit(job, domain.EventBuildingCompleted, map[string]any{"digest": digest})
}

func (e *Executor) fail(job *domain.Build, reason domain.FailureReason, cause error) {
	log.Errorf("build job failed", cause)
	if err := e.queue.Complete(job.ID, e.workerID, "", reason); err != nil {
		log.Errorf("complete failed build", err)
	}
	e.emit(job, domain.EventBuildingFailed, map[string]any{"reason": string(reason), "error": cause.Error()})
}

func (e *Executor) emit(job *domain.Build, eventType string, data map[string]any) {
	evt := &domain.Event{
		ID:        idgen.NewEventID(),
		Type:      eventType,
		TenantID:  job.TenantID,
		Resource:  domain.ResourceRef{Kind: "Build", ID: job.ID},
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := e.plane.AppendEvent(evt); err != nil {
		log.Errorf("append build event", err)
	}
}

func sanitizeRepoRef(repoURL string) string {
	out := make([]byte, 0, len(repoURL))
	for i := 0; i < len(repoURL); i++ {
		c := repoURL[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "build"
	}
	return string(out)
}

// passthroughFetcher treats the build context as already present; real
// source control integration is not implemented here.
type passthroughFetcher struct{}

func (passthroughFetcher) Fetch(ctx context.Context, repoURL, commitSHA string) (string, func(), error) {
	return commitSHA, nil, nil
}

// syntheticImageBuilder produces a deterministic single-layer image whose
// sole file records the build's inputs, so that identical (srcDir,
// buildEnv) pairs always produce the same digest without needing an
// actual compiler toolchain.
type syntheticImageBuilder struct{}

func (syntheticImageBuilder) Build(ctx context.Context, srcDir string, buildEnv map[string]string) (v1.Image, error) {
	data, err := buildInfoTar(srcDir, buildEnv)
	if err != nil {
		return nil, err
	}
	layer, err := tarball.LayerFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build layer: %w", err)
	}
	return mutate.AppendLayers(empty.Image, layer)
}

// buildInfoTar produces a single-entry, deterministic tar stream so that
// identical (srcDir, buildEnv) inputs always hash to the same layer and,
// in turn, the same image digest. Keys are sorted to avoid Go's
// randomized map iteration order leaking into the content.
func buildInfoTar(srcDir string, buildEnv map[string]string) ([]byte, error) {
	var content bytes.Buffer
	content.WriteString("srcDir=" + srcDir + "\n")
	keys := make([]string, 0, len(buildEnv))
	for k := range buildEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		content.WriteString(k + "=" + buildEnv[k] + "\n")
	}

	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: "build-info",
		Mode: 0644,
		Size: int64(content.Len()),
	}
	if err := w.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := w.Write(content.Bytes()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// remotePusher pushes to a real OCI registry over HTTPS using the
// environment's default keychain (docker config, cloud credential
// helpers), then reports the pushed manifest's digest.
type remotePusher struct{}

func (remotePusher) Push(ctx context.Context, ref name.Reference, img v1.Image) (string, error) {
	if err := remote.Write(ref, img, remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain)); err != nil {
		return "", fmt.Errorf("push image: %w", err)
	}
	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("compute digest: %w", err)
	}
	return digest.String(), nil
}
