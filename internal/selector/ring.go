package selector

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"docstore/internal/membership"
)

type vnode struct {
	hash   uint64
	nodeID string
}

// Ring is an immutable consistent hashing ring. Observers never own keys.
type Ring struct {
	vnodes []vnode
	nodes  map[string]*membership.NodeState
}

// NewRing builds a ring over nodes with vnodesPerNode virtual nodes each.
// The same node set always produces the same ring.
func NewRing(nodes []*membership.NodeState, vnodesPerNode int) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = 128
	}

	r := &Ring{nodes: make(map[string]*membership.NodeState, len(nodes))}
	for _, n := range nodes {
		if n.Options.Has(membership.OptionObserver) {
			continue
		}
		r.nodes[n.ID] = n
		for i := 0; i < vnodesPerNode; i++ {
			r.vnodes = append(r.vnodes, vnode{
				hash:   xxhash.Sum64String(n.ID + "#" + strconv.Itoa(i)),
				nodeID: n.ID,
			})
		}
	}

	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].hash == r.vnodes[j].hash {
			return r.vnodes[i].nodeID < r.vnodes[j].nodeID
		}
		return r.vnodes[i].hash < r.vnodes[j].hash
	})
	return r
}

// Len returns the number of physical nodes on the ring.
func (r *Ring) Len() int {
	return len(r.nodes)
}

// Walk returns every distinct node in ring order starting at key's position.
func (r *Ring) Walk(key string) []*membership.NodeState {
	return r.PreferenceList(key, len(r.nodes))
}

// PreferenceList returns the first k distinct nodes clockwise from key.
func (r *Ring) PreferenceList(key string, k int) []*membership.NodeState {
	if len(r.vnodes) == 0 || k <= 0 {
		return nil
	}

	keyHash := xxhash.Sum64String(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].hash >= keyHash
	})
	if idx >= len(r.vnodes) {
		idx = 0
	}

	seen := make(map[string]bool, k)
	result := make([]*membership.NodeState, 0, k)
	for i := 0; i < len(r.vnodes) && len(result) < k; i++ {
		id := r.vnodes[(idx+i)%len(r.vnodes)].nodeID
		if seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, r.nodes[id])
	}
	return result
}
