// Package health implements the SLO-gated rollout Health Evaluator. It
// adapts the per-container liveness Status/ring bookkeeping
// (pkg/health/health.go: ConsecutiveFailures, Retries threshold) from
// "container up or down" to "is this rollout within its error-rate/
// latency/success-rate SLO gate over a sliding window."
package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/orchestrator/internal/domain"
)

// Sample is one time-bucket's worth of aggregated telemetry for a
// workload. HasData is false when the metrics source could not produce a
// reading for the bucket (too new, source unavailable, etc).
type Sample struct {
	BucketStart time.Time
	Requests    int
	Errors      int // 5xx count
	P95Ms       int
	HasData     bool
}

// MetricsSource is the abstract telemetry provider the Health Evaluator
// reads from. Its exact contract is left an open question bound by the
// caller; this interface is that binding point.
type MetricsSource interface {
	Sample(ctx context.Context, workloadKey string, bucketStart, bucketEnd time.Time) (Sample, error)
}

// Verdict is the Health Evaluator's boolean-plus-Unknown outcome.
type Verdict string

const (
	Healthy   Verdict = "Healthy"
	Unhealthy Verdict = "Unhealthy"
	Unknown   Verdict = "Unknown"
)

// Rationale records why a verdict was reached.
type Rationale struct {
	Verdict        Verdict
	ConsecutiveBad int
	BucketsTotal   int
	BucketsWithData int
	LastBad        bool
}

type bucket struct {
	start   time.Time
	bad     bool
	hasData bool
}

// Evaluator evaluates a rollout against a HealthGate over a sliding
// window, maintaining a per-workload ring buffer of recent bucket
// verdicts.
type Evaluator struct {
	source        MetricsSource
	bucketSeconds int

	mu      sync.Mutex
	history map[string][]bucket
}

// NewEvaluator constructs an Evaluator sampling the given source in
// bucketSeconds-wide windows (default 10s if zero).
func NewEvaluator(source MetricsSource, bucketSeconds int) *Evaluator {
	if bucketSeconds <= 0 {
		bucketSeconds = 10
	}
	return &Evaluator{source: source, bucketSeconds: bucketSeconds, history: make(map[string][]bucket)}
}

// Evaluate aggregates samples over the gate's window ending at now and
// returns a verdict. A Bad bucket is one where any threshold is violated;
// the verdict is Unhealthy once failureThreshold consecutive Bad buckets
// have been observed, Unknown if fewer than half the window's buckets
// have data, and Healthy otherwise.
func (e *Evaluator) Evaluate(ctx context.Context, workloadKey string, gate domain.HealthGate, now time.Time) (Rationale, error) {
	if !gate.Enabled {
		return Rationale{Verdict: Healthy}, nil
	}

	numBuckets := gate.WindowSeconds / e.bucketSeconds
	if numBuckets < 1 {
		numBuckets = 1
	}

	start := now.Add(-time.Duration(numBuckets*e.bucketSeconds) * time.Second)
	bucketStart := start
	var fresh []bucket
	for i := 0; i < numBuckets; i++ {
		bucketEnd := bucketStart.Add(time.Duration(e.bucketSeconds) * time.Second)
		sample, err := e.source.Sample(ctx, workloadKey, bucketStart, bucketEnd)
		if err != nil {
			return Rationale{}, err
		}
		fresh = append(fresh, bucket{
			start:   bucketStart,
			hasData: sample.HasData,
			bad:     sample.HasData && isBad(sample, gate),
		})
		bucketStart = bucketEnd
	}

	e.mu.Lock()
	e.history[workloadKey] = fresh
	e.mu.Unlock()

	withData := 0
	for _, b := range fresh {
		if b.hasData {
			withData++
		}
	}
	if withData*2 < numBuckets {
		return Rationale{Verdict: Unknown, BucketsTotal: numBuckets, BucketsWithData: withData}, nil
	}

	consecutiveBad := 0
	for i := len(fresh) - 1; i >= 0; i-- {
		b := fresh[i]
		if !b.hasData {
			continue
		}
		if !b.bad {
			break
		}
		consecutiveBad++
	}

	verdict := Healthy
	if consecutiveBad >= gate.FailureThreshold {
		verdict = Unhealthy
	}

	return Rationale{
		Verdict:         verdict,
		ConsecutiveBad:  consecutiveBad,
		BucketsTotal:    numBuckets,
		BucketsWithData: withData,
		LastBad:         len(fresh) > 0 && fresh[len(fresh)-1].bad,
	}, nil
}

func isBad(s Sample, gate domain.HealthGate) bool {
	if s.Requests == 0 {
		return false
	}
	errorRate := float64(s.Errors) / float64(s.Requests)
	successRate := float64(s.Requests-s.Errors) / float64(s.Requests)

	if gate.MaxErrorRate > 0 && errorRate > gate.MaxErrorRate {
		return true
	}
	if gate.MaxP95LatencyMs > 0 && s.P95Ms > gate.MaxP95LatencyMs {
		return true
	}
	if gate.MinSuccessRate > 0 && successRate < gate.MinSuccessRate {
		return true
	}
	return false
}
