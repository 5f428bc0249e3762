// Package cluster is the extension point for metadata replication across
// BleepStore nodes. Nothing here participates in request handling yet: the
// node type exists so configuration, startup, and shutdown wiring are in
// place before a consensus implementation is chosen.
package cluster

import (
	"fmt"
	"log/slog"

	"github.com/bleepstore/bleepstore/internal/logging"
)

// RaftNode is a placeholder for one member of a BleepStore replication
// group. Start/Stop are wired into cmd/bleepstore when cluster.enabled is
// set; Apply and the leadership queries fail or report "not leader" until a
// consensus backend lands.
type RaftNode struct {
	// NodeID uniquely identifies this node within the cluster.
	NodeID string
	// BindAddr is the address the replication transport would listen on.
	BindAddr string
	// Peers lists the other members used for cluster bootstrap.
	Peers []string

	logger *slog.Logger
	// TODO: consensus instance, FSM, log store, and snapshot store fields
	// once a Raft library is selected.
}

// NewRaftNode creates a node from the cluster section of the configuration.
func NewRaftNode(nodeID, bindAddr string, peers []string) *RaftNode {
	return &RaftNode{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		Peers:    peers,
		logger:   logging.Component("cluster"),
	}
}

// Start brings the node up. Today that is only a log line confirming the
// configuration was read; opening the transport, restoring stores, and
// bootstrapping or joining the cluster are TODO.
func (n *RaftNode) Start() error {
	n.logger.Info("cluster node starting", "node_id", n.NodeID, "bind_addr", n.BindAddr, "peers", n.Peers)
	return nil
}

// Stop shuts the node down. Leadership hand-off and transport teardown are
// TODO alongside Start.
func (n *RaftNode) Stop() error {
	n.logger.Info("cluster node stopping", "node_id", n.NodeID)
	return nil
}

// Apply proposes a command for replicated execution. Callers must be
// prepared for an error on a non-leader node and retry against the leader;
// until a consensus backend exists every call fails that way.
func (n *RaftNode) Apply(command []byte) error {
	n.logger.Debug("apply rejected, no consensus backend", "node_id", n.NodeID, "bytes", len(command))
	return fmt.Errorf("cluster: not implemented")
}

// IsLeader reports whether this node currently leads the cluster.
func (n *RaftNode) IsLeader() bool {
	return false
}

// LeaderAddr returns the address of the current leader, or an empty string
// when no leader is known.
func (n *RaftNode) LeaderAddr() string {
	return ""
}
