package selector

import (
	"errors"
	"net/url"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"docstore/internal/membership"
)

// ErrNoAvailableOwner is returned when no ring node is available.
var ErrNoAvailableOwner = errors.New("no available node can own the key")

// SelectOwnerResponse is the outcome of owner selection for a key. It is
// shared through the cache and must be treated as read-only.
type SelectOwnerResponse struct {
	Key                string
	OwnerNodeID        string
	OwnerNodeReference *url.URL
	IsLocalHostOwner   bool
	// SelectedNodes is the replication peer set, owner included.
	SelectedNodes     []*membership.NodeState
	MembershipVersion uint64
}

// Selector answers owner selection against the latest group view.
type Selector struct {
	localID           string
	vnodes            int
	replicationFactor int

	mu      sync.RWMutex
	ring    *Ring
	version uint64
	cache   *lru.Cache[string, *SelectOwnerResponse]
}

// New creates a selector. A replication factor of zero or less selects every
// ring node.
func New(localID string, vnodes, replicationFactor, cacheSize int) (*Selector, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, *SelectOwnerResponse](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Selector{
		localID:           localID,
		vnodes:            vnodes,
		replicationFactor: replicationFactor,
		ring:              NewRing(nil, vnodes),
		cache:             cache,
	}, nil
}

// UpdateGroup rebuilds the ring from g. Views older than the current one are
// ignored.
func (s *Selector) UpdateGroup(g *membership.GroupState) {
	ring := NewRing(g.SortedNodes(), s.vnodes)

	s.mu.Lock()
	defer s.mu.Unlock()

	if g.Version < s.version {
		return
	}
	s.ring = ring
	s.version = g.Version
	s.cache.Purge()

	log.Debug().Str("node", s.localID).Uint64("version", g.Version).Int("ring_nodes", ring.Len()).Msg("Rebuilt selection ring")
}

// SelectOwner returns the owner of key and its replication peer set. The
// owner is the first available node clockwise from the key.
func (s *Selector) SelectOwner(key string) (*SelectOwnerResponse, error) {
	s.mu.RLock()
	ring, version := s.ring, s.version
	if rsp, ok := s.cache.Get(key); ok {
		s.mu.RUnlock()
		return rsp, nil
	}
	s.mu.RUnlock()

	walk := ring.Walk(key)
	var owner *membership.NodeState
	for _, n := range walk {
		if !membership.IsUnavailable(n) {
			owner = n
			break
		}
	}
	if owner == nil {
		return nil, ErrNoAvailableOwner
	}

	k := s.replicationFactor
	if k <= 0 || k > len(walk) {
		k = len(walk)
	}
	selected := append([]*membership.NodeState(nil), walk[:k]...)
	if !containsNode(selected, owner.ID) {
		selected[len(selected)-1] = owner
	}

	rsp := &SelectOwnerResponse{
		Key:                key,
		OwnerNodeID:        owner.ID,
		OwnerNodeReference: owner.GroupReference,
		IsLocalHostOwner:   owner.ID == s.localID,
		SelectedNodes:      selected,
		MembershipVersion:  version,
	}

	s.mu.Lock()
	if s.version == version {
		s.cache.Add(key, rsp)
	}
	s.mu.Unlock()

	return rsp, nil
}

func containsNode(nodes []*membership.NodeState, id string) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}
