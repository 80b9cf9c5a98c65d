package cluster

import (
	"errors"
	"hash/fnv"
	"sort"
	"time"
)

// ErrNoNodeAvailable is returned when no node can serve a key.
var ErrNoNodeAvailable = errors.New("no cluster node available")

// routingTable is an immutable routing snapshot.
type routingTable struct {
	version uint64
	builtAt time.Time

	// targets are the sorted ids keys hash into: reachable primaries, or
	// every reachable node when no primary is reachable.
	targets []string

	// primaries reports whether targets are primaries.
	primaries bool

	nodes map[string]*Node
}

// buildTable computes a table over nodes.
func buildTable(version uint64, nodes map[string]*Node, now time.Time) *routingTable {
	var primaries, reachable []string
	for id, n := range nodes {
		if !n.Reachable() {
			continue
		}
		reachable = append(reachable, id)
		if n.Role() == RolePrimary {
			primaries = append(primaries, id)
		}
	}
	sort.Strings(primaries)
	sort.Strings(reachable)

	t := &routingTable{version: version, builtAt: now, nodes: nodes, targets: primaries, primaries: true}
	if len(primaries) == 0 {
		t.targets = reachable
		t.primaries = false
	}
	return t
}

// route returns the node key is assigned to.
func (t *routingTable) route(key string) (*Node, error) {
	if t == nil || len(t.targets) == 0 {
		return nil, ErrNoNodeAvailable
	}
	id := t.targets[hashKey(key)%uint32(len(t.targets))]
	return t.nodes[id], nil
}

// sameTargets reports whether t routes like other.
func (t *routingTable) sameTargets(other *routingTable) bool {
	if t == nil || other == nil || len(t.targets) != len(other.targets) || t.primaries != other.primaries {
		return false
	}
	for i := range t.targets {
		if t.targets[i] != other.targets[i] {
			return false
		}
	}
	return true
}

// hashKey returns the 32-bit FNV-1a hash of key.
func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
