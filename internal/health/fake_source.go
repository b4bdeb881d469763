package health

import (
	"context"
	"sync"
	"time"
)

// FakeMetricsSource is a scriptable MetricsSource for tests: each call
// returns the most recently set Sample for the given workload key, or
// HasData=false if none has been set.
type FakeMetricsSource struct {
	mu      sync.Mutex
	samples map[string]Sample
}

// NewFakeMetricsSource constructs an empty FakeMetricsSource.
func NewFakeMetricsSource() *FakeMetricsSource {
	return &FakeMetricsSource{samples: make(map[string]Sample)}
}

// Set scripts the sample FakeMetricsSource returns for workloadKey until
// changed again.
func (f *FakeMetricsSource) Set(workloadKey string, requests, errors, p95ms int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[workloadKey] = Sample{Requests: requests, Errors: errors, P95Ms: p95ms, HasData: true}
}

// Clear removes any scripted sample, causing the source to report no data.
func (f *FakeMetricsSource) Clear(workloadKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.samples, workloadKey)
}

func (f *FakeMetricsSource) Sample(ctx context.Context, workloadKey string, bucketStart, bucketEnd time.Time) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.samples[workloadKey]
	if !ok {
		return Sample{HasData: false}, nil
	}
	s.BucketStart = bucketStart
	return s, nil
}
