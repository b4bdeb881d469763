package buildexec

import (
	"context"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/name"
)

// FakeSourceFetcher returns a fixed srcDir without touching the
// filesystem, recording every Fetch call for assertions.
type FakeSourceFetcher struct {
	SrcDir string
	Err    error
	Calls  []string
}

func NewFakeSourceFetcher() *FakeSourceFetcher { return &FakeSourceFetcher{SrcDir: "/fake/src"} }

func (f *FakeSourceFetcher) Fetch(ctx context.Context, repoURL, commitSHA string) (string, func(), error) {
	f.Calls = append(f.Calls, repoURL+"@"+commitSHA)
	if f.Err != nil {
		return "", nil, f.Err
	}
	return f.SrcDir, func() {}, nil
}

// FakeImageBuilder returns empty.Image (or a configured error) without
// constructing real layers.
type FakeImageBuilder struct {
	Err error
}

func (f *FakeImageBuilder) Build(ctx context.Context, srcDir string, buildEnv map[string]string) (v1.Image, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return empty.Image, nil
}

// FakePusher records pushed references and returns a fixed digest string
// without making any network calls.
type FakePusher struct {
	Digest string
	Err    error
	Pushed []string
}

func NewFakePusher() *FakePusher { return &FakePusher{Digest: "sha256:fake0000000000000000000000000000000000000000000000000000000000"} }

func (f *FakePusher) Push(ctx context.Context, ref name.Reference, img v1.Image) (string, error) {
	f.Pushed = append(f.Pushed, ref.String())
	if f.Err != nil {
		return "", f.Err
	}
	return f.Digest, nil
}
