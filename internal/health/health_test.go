package health

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGate() domain.HealthGate {
	return domain.HealthGate{
		Enabled: true, MaxErrorRate: 0.01, MinSuccessRate: 0.99,
		WindowSeconds: 60, FailureThreshold: 3,
	}
}

func TestEvaluateHealthyWhenNoErrors(t *testing.T) {
	src := NewFakeMetricsSource()
	src.Set("svc-a", 1000, 0, 50)
	eval := NewEvaluator(src, 10)

	r, err := eval.Evaluate(context.Background(), "svc-a", testGate(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Healthy, r.Verdict)
}

func TestEvaluateUnhealthyAfterFailureThresholdConsecutiveBad(t *testing.T) {
	src := NewFakeMetricsSource()
	src.Set("svc-a", 1000, 50, 50) // 5% error rate, exceeds 1% gate
	eval := NewEvaluator(src, 10)

	r, err := eval.Evaluate(context.Background(), "svc-a", testGate(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Unhealthy, r.Verdict)
	assert.GreaterOrEqual(t, r.ConsecutiveBad, 3)
}

func TestEvaluateUnknownWithInsufficientData(t *testing.T) {
	src := NewFakeMetricsSource() // no samples set at all
	eval := NewEvaluator(src, 10)

	r, err := eval.Evaluate(context.Background(), "svc-a", testGate(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, Unknown, r.Verdict)
}

func TestFailureThresholdOneRollsBackOnSingleBadWindow(t *testing.T) {
	src := NewFakeMetricsSource()
	src.Set("svc-a", 1000, 50, 50)
	gate := testGate()
	gate.FailureThreshold = 1
	eval := NewEvaluator(src, 10)

	r, err := eval.Evaluate(context.Background(), "svc-a", gate, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Unhealthy, r.Verdict)
}
