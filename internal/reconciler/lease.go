package reconciler

import (
	"sync"
	"time"
)

// LeaseManager guarantees at most one logical reconciler runs for a given
// key (tenantId/serviceName) at a time. It generalizes TokenManager
// (pkg/manager/token.go: map[string]*lease guarded by a mutex, entries
// carrying ExpiresAt) from join-tokens to per-service reconciliation
// leases. A process-local mutex is a deliberate simplification of a
// distributed lease: true cross-process lease handoff depends on the
// cluster-join RPC the dropped gRPC client provided (see DESIGN.md).
type LeaseManager struct {
	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	owner     string
	expiresAt time.Time
}

// NewLeaseManager constructs an empty LeaseManager.
func NewLeaseManager() *LeaseManager {
	return &LeaseManager{leases: make(map[string]lease)}
}

// Acquire grants the lease on key to owner if it is free or already held
// by owner, or if the existing holder's lease has expired.
func (m *LeaseManager) Acquire(key, owner string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if l, ok := m.leases[key]; ok && l.owner != owner && l.expiresAt.After(now) {
		return false
	}
	m.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true
}

// Release drops the lease on key if still held by owner.
func (m *LeaseManager) Release(key, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.owner == owner {
		delete(m.leases, key)
	}
}
