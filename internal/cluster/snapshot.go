package cluster

import (
	"time"
)

// Status is the aggregate health of the cluster.
type Status string

const (
	// StatusHealthy means every node is reachable.
	StatusHealthy Status = "healthy"
	// StatusDegraded means some nodes are unreachable but at least one
	// primary is reachable.
	StatusDegraded Status = "degraded"
	// StatusUnavailable means no primary is reachable.
	StatusUnavailable Status = "unavailable"
)

// NodeStatus is the reported state of one node.
type NodeStatus struct {
	ID                string    `json:"id"`
	Host              string    `json:"host"`
	Port              int       `json:"port"`
	Role              string    `json:"role"`
	Health            string    `json:"health"`
	LatencyMs         float64   `json:"latency_ms"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastCheck         time.Time `json:"last_check,omitempty"`
}

// Snapshot is a point-in-time view of the cluster.
type Snapshot struct {
	Status          Status       `json:"status"`
	Nodes           []NodeStatus `json:"nodes"`
	LastCheck       time.Time    `json:"last_check"`
	TopologyVersion uint64       `json:"topology_version"`
}

// aggregateStatus derives the cluster status from node states.
func aggregateStatus(nodes map[string]*Node) Status {
	if len(nodes) == 0 {
		return StatusUnavailable
	}
	all := true
	primary := false
	for _, n := range nodes {
		if !n.Reachable() {
			all = false
			continue
		}
		if n.Role() == RolePrimary {
			primary = true
		}
	}
	switch {
	case !primary:
		return StatusUnavailable
	case all:
		return StatusHealthy
	default:
		return StatusDegraded
	}
}
