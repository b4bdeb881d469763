// Package traffic programs weighted splits between workload versions
// behind a service and records the shifts applied.
package traffic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/gateway"
	"github.com/cuemby/orchestrator/internal/metrics"
)

// Splitter programs a weighted split between two WorkloadHandles behind a
// single Service.
type Splitter struct {
	gw gateway.Gateway

	mu     sync.Mutex
	states map[string]*serviceState
}

type serviceState struct {
	mu        sync.Mutex
	weight    int
	hasWeight bool
	direction int // sign of the last shift's weight delta; 0 means none in flight
	done      chan struct{}
}

// NewSplitter constructs a Splitter over the given Gateway.
func NewSplitter(gw gateway.Gateway) *Splitter {
	return &Splitter{gw: gw, states: make(map[string]*serviceState)}
}

func (s *Splitter) stateFor(service string) *serviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[service]
	if !ok {
		st = &serviceState{}
		s.states[service] = st
	}
	return st
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	default:
		return 0
	}
}

// Shift applies a weighted split atomically ({blue: 100-greenWeight,
// green: greenWeight}) and returns after dwellSeconds elapses, or sooner
// if a later same-direction shift pre-empts the dwell. A shift moving
// weight in the opposite direction of an in-flight dwell waits for that
// dwell to finish first, preserving per-service ordering.
func (s *Splitter) Shift(ctx context.Context, service string, blue, green gateway.WorkloadHandle, greenWeight int, dwellSeconds int) error {
	st := s.stateFor(service)

	st.mu.Lock()
	newDirection := 0
	if st.hasWeight {
		newDirection = sign(greenWeight - st.weight)
	}
	sameDirection := st.hasWeight && st.direction != 0 && newDirection == st.direction
	var waitFor chan struct{}
	if st.done != nil {
		if sameDirection {
			close(st.done)
			st.done = nil
		} else {
			waitFor = st.done
		}
	}
	st.mu.Unlock()

	if waitFor != nil {
		select {
		case <-waitFor:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	backends := []gateway.Backend{
		{Handle: blue, Weight: 100 - greenWeight},
		{Handle: green, Weight: greenWeight},
	}
	if err := s.programWithRetry(ctx, service, backends); err != nil {
		return err
	}

	done := make(chan struct{})
	st.mu.Lock()
	st.weight = greenWeight
	st.hasWeight = true
	if newDirection != 0 {
		st.direction = newDirection
	}
	st.done = done
	st.mu.Unlock()

	metrics.TrafficShiftsTotal.WithLabelValues(service).Inc()

	dwell := time.Duration(dwellSeconds) * time.Second
	select {
	case <-time.After(dwell):
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	st.mu.Lock()
	if st.done == done {
		close(done)
		st.done = nil
	}
	st.mu.Unlock()
	return nil
}

// programWithRetry applies the route program, retrying Transient/Conflict
// gateway errors with exponential backoff (base 1s, factor 2, cap 60s,
// at most 6 attempts) before giving up.
func (s *Splitter) programWithRetry(ctx context.Context, service string, backends []gateway.Backend) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.gw.ProgramRoute(ctx, service, backends, nil)
		if err == nil {
			return struct{}{}, nil
		}
		var gerr *domain.GatewayError
		if errors.As(err, &gerr) && gerr.Retryable() {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(6))
	return err
}

// CurrentWeight returns the last weight applied to green for a service, or
// false if none has been applied yet.
func (s *Splitter) CurrentWeight(service string) (int, bool) {
	st := s.stateFor(service)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.weight, st.hasWeight
}
