package traffic

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/orchestrator/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShiftProgramsWeightsAndWaitsForDwell(t *testing.T) {
	fg := gateway.NewFakeGateway()
	s := NewSplitter(fg)

	start := time.Now()
	err := s.Shift(context.Background(), "svc-a", "blue-handle", "green-handle", 25, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)

	got, err := fg.GetRouteProgram(context.Background(), "svc-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 75, got[0].Weight)
	assert.Equal(t, 25, got[1].Weight)

	w, ok := s.CurrentWeight("svc-a")
	assert.True(t, ok)
	assert.Equal(t, 25, w)
}

func TestShiftSameDirectionPreemptsInFlightDwell(t *testing.T) {
	fg := gateway.NewFakeGateway()
	s := NewSplitter(fg)

	require.NoError(t, s.Shift(context.Background(), "svc-a", "blue-handle", "green-handle", 10, 0))

	done := make(chan error, 1)
	go func() {
		done <- s.Shift(context.Background(), "svc-a", "blue-handle", "green-handle", 25, 30)
	}()

	require.Eventually(t, func() bool {
		w, ok := s.CurrentWeight("svc-a")
		return ok && w == 25
	}, 2*time.Second, 10*time.Millisecond)

	// A further same-direction shift should pre-empt the 30s dwell above
	// instead of blocking for it.
	start := time.Now()
	require.NoError(t, s.Shift(context.Background(), "svc-a", "blue-handle", "green-handle", 50, 0))
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("preempted shift never returned")
	}

	w, ok := s.CurrentWeight("svc-a")
	require.True(t, ok)
	assert.Equal(t, 50, w)
}
