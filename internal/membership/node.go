package membership

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// NodeOption is a bitset describing the role of a node in the group.
type NodeOption uint8

const (
	// OptionPeer marks a node that stores and replicates documents.
	OptionPeer NodeOption = 1 << iota
	// OptionObserver marks a node that follows membership but never
	// receives replicated writes.
	OptionObserver
)

// Has reports whether flag is set.
func (o NodeOption) Has(flag NodeOption) bool {
	return o&flag != 0
}

func (o NodeOption) String() string {
	var parts []string
	if o.Has(OptionPeer) {
		parts = append(parts, "PEER")
	}
	if o.Has(OptionObserver) {
		parts = append(parts, "OBSERVER")
	}
	return strings.Join(parts, "|")
}

// NodeStatus is the availability of a node as seen by the local view.
type NodeStatus int

const (
	StatusAvailable NodeStatus = iota
	StatusSuspect
	StatusUnavailable
)

func (s NodeStatus) String() string {
	switch s {
	case StatusAvailable:
		return "AVAILABLE"
	case StatusSuspect:
		return "SUSPECT"
	case StatusUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// NodeState describes one member of the group.
type NodeState struct {
	ID               string
	GroupReference   *url.URL
	Options          NodeOption
	Status           NodeStatus
	MembershipQuorum int
	Incarnation      uint64
	LastSeen         time.Time
}

// Copy returns a deep copy of n.
func (n *NodeState) Copy() *NodeState {
	c := *n
	if n.GroupReference != nil {
		ref := *n.GroupReference
		c.GroupReference = &ref
	}
	return &c
}

// Addr returns the host:port of the node's group reference.
func (n *NodeState) Addr() string {
	if n.GroupReference == nil {
		return ""
	}
	return n.GroupReference.Host
}

// IsUnavailable reports whether n must not be sent replicated writes.
func IsUnavailable(n *NodeState) bool {
	return n == nil || n.Status != StatusAvailable
}

// GroupState is an immutable snapshot of the group view.
type GroupState struct {
	Nodes   map[string]*NodeState
	Version uint64
}

// MemberCount returns the number of nodes in the view, observers included.
func (g *GroupState) MemberCount() int {
	return len(g.Nodes)
}

// SortedNodes returns the nodes ordered by ID.
func (g *GroupState) SortedNodes() []*NodeState {
	nodes := make([]*NodeState, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// UnavailableCount returns how many nodes are not available.
func (g *GroupState) UnavailableCount() int {
	count := 0
	for _, n := range g.Nodes {
		if IsUnavailable(n) {
			count++
		}
	}
	return count
}
