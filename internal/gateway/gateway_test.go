package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyWorkloadIsIdempotent(t *testing.T) {
	fg := NewFakeGateway()
	spec := PodSpec{Image: "registry/svc-a@sha256:aaa", Replicas: 3}

	h1, err := fg.ApplyWorkload(context.Background(), "t1", "svc-a", "v1", spec)
	require.NoError(t, err)
	h2, err := fg.ApplyWorkload(context.Background(), "t1", "svc-a", "v1", spec)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, fg.ApplyCallCount("t1", "svc-a", "v1"), "identical apply must not write twice")
}

func TestProgramRouteRejectsWeightsNotSummingTo100(t *testing.T) {
	fg := NewFakeGateway()
	err := fg.ProgramRoute(context.Background(), "svc-a", []Backend{{Handle: "blue", Weight: 60}, {Handle: "green", Weight: 30}}, []int32{8080})
	assert.Error(t, err)
}

func TestGetRouteProgramReflectsLastProgram(t *testing.T) {
	fg := NewFakeGateway()
	ctx := context.Background()
	require.NoError(t, fg.ProgramRoute(ctx, "svc-a", []Backend{{Handle: "blue", Weight: 90}, {Handle: "green", Weight: 10}}, []int32{8080}))

	got, err := fg.GetRouteProgram(ctx, "svc-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 10, got[1].Weight)
}
