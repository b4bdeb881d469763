// Package control wires the orchestrator's storage layer behind a Raft
// consensus log, generalizing the single-writer Manager/FSM
// composition (pkg/manager) from cluster primitives (nodes, containers,
// secrets) to the orchestrator's entities.
//
// Clustering here covers durability of control-plane writes, not workload
// placement: the Orchestrator Gateway (internal/gateway), not this package,
// talks to whatever runs the user's containers. A production deployment
// would grow a join RPC the way pkg/manager.Join does; that
// flow depended on a generated gRPC client/server pair that is not part of
// this module (see DESIGN.md) and is intentionally left as a single-node
// Bootstrap plus AddVoter for out-of-band cluster formation.
package control

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/orchestrator/internal/metrics"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config configures a control-plane node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Plane owns the Raft consensus group and the FSM it drives.
type Plane struct {
	nodeID  string
	dataDir string
	fsm     *FSM
	store   storage.Store
	raft    *raft.Raft
}

// New constructs a Plane backed by a BoltDB store at cfg.DataDir. Call
// Bootstrap (new cluster) before using Apply.
func New(cfg Config, store storage.Store) (*Plane, error) {
	return &Plane{
		nodeID:  cfg.NodeID,
		dataDir: cfg.DataDir,
		fsm:     NewFSM(store),
		store:   store,
	}, nil
}

func (p *Plane) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(p.nodeID)
	// Tuned for LAN control-plane deployments, not WAN: faster failure
	// detection than the library defaults.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (p *Plane) newRaft(bindAddr string, config *raft.Config) (*raft.Raft, raft.ServerAddress, error) {
	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(p.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(p.dataDir, "raft-log.db"))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(p.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, p.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", err
	}
	return r, transport.LocalAddr(), nil
}

// Bootstrap initializes a new single-node Raft cluster rooted at this node.
func (p *Plane) Bootstrap(bindAddr string) error {
	config := p.raftConfig()

	r, localAddr, err := p.newRaft(bindAddr, config)
	if err != nil {
		return err
	}
	p.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: localAddr}},
	}
	if err := p.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// AddVoter adds a peer to the cluster. Must be called on the current
// leader.
func (p *Plane) AddVoter(nodeID, address string) error {
	return p.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds Raft leadership.
func (p *Plane) IsLeader() bool {
	return p.raft != nil && p.raft.State() == raft.Leader
}

// Apply submits a command to the Raft log and blocks until it commits.
func (p *Plane) Apply(cmd Command) error {
	if !p.IsLeader() {
		return fmt.Errorf("not leader")
	}
	data, err := marshalCommand(cmd)
	if err != nil {
		return err
	}

	future := p.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply failed: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

// Shutdown stops the Raft node.
func (p *Plane) Shutdown() error {
	if p.raft == nil {
		return nil
	}
	return p.raft.Shutdown().Error()
}

// Store returns the underlying store for read paths (reads bypass Raft,
// matching Manager, which reads directly from its store).
func (p *Plane) Store() storage.Store { return p.store }

// RefreshMetrics updates the Raft-related Prometheus gauges; intended to
// be called on a periodic collector tick (see internal/metrics).
func (p *Plane) RefreshMetrics() {
	if p.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	if p.raft != nil {
		metrics.RaftAppliedIndex.Set(float64(p.raft.AppliedIndex()))
	}
}
