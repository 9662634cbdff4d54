package membership

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"docstore/internal/telemetry"
)

// ProbeFunc pings target and returns the view it piggybacks on the reply.
type ProbeFunc func(ctx context.Context, target *NodeState, view []*NodeState) ([]*NodeState, error)

// GossipFunc pushes view to target and returns target's view.
type GossipFunc func(ctx context.Context, target *NodeState, view []*NodeState) ([]*NodeState, error)

// Group maintains the local view of the node group.
type Group struct {
	mu      sync.RWMutex
	localID string
	nodes   map[string]*NodeState
	version uint64

	probeInterval  time.Duration
	suspectTimeout time.Duration

	onChange func(*GroupState)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroup creates a group containing only local, which is always available.
func NewGroup(local *NodeState, probeInterval, suspectTimeout time.Duration) *Group {
	if probeInterval <= 0 {
		probeInterval = time.Second
	}
	if suspectTimeout <= 0 {
		suspectTimeout = 3 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	self := local.Copy()
	self.Status = StatusAvailable
	self.LastSeen = time.Now()
	if self.Incarnation == 0 {
		self.Incarnation = 1
	}

	return &Group{
		localID:        self.ID,
		nodes:          map[string]*NodeState{self.ID: self},
		version:        1,
		probeInterval:  probeInterval,
		suspectTimeout: suspectTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// LocalID returns the ID of the local node.
func (g *Group) LocalID() string {
	return g.localID
}

// SetOnChange registers a callback invoked asynchronously with a fresh
// snapshot after every change. Snapshots may arrive out of order; callers
// compare GroupState.Version.
func (g *Group) SetOnChange(cb func(*GroupState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = cb
}

// Start runs the probe, gossip and timeout loops until Stop.
func (g *Group) Start(probeFn ProbeFunc, gossipFn GossipFunc) {
	g.wg.Add(3)

	go func() {
		defer g.wg.Done()
		g.every(g.probeInterval, func() { g.probe(probeFn) })
	}()

	go func() {
		defer g.wg.Done()
		g.every(g.probeInterval*2, func() { g.gossip(gossipFn) })
	}()

	go func() {
		defer g.wg.Done()
		g.every(g.probeInterval/2, g.checkTimeouts)
	}()
}

// Stop halts the background loops.
func (g *Group) Stop() {
	g.cancel()
	g.wg.Wait()
}

func (g *Group) every(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// randomPeer picks a non-local node, or nil when alone.
func (g *Group) randomPeer() *NodeState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	candidates := make([]*NodeState, 0, len(g.nodes))
	for id, n := range g.nodes {
		if id != g.localID {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))].Copy()
}

func (g *Group) probe(probeFn ProbeFunc) {
	target := g.randomPeer()
	if target == nil {
		return
	}

	ctx, cancel := context.WithTimeout(g.ctx, g.probeInterval)
	defer cancel()

	remote, err := probeFn(ctx, target, g.view())
	if err != nil {
		telemetry.ProbeFailuresTotal.Inc()
		g.mu.Lock()
		if n, ok := g.nodes[target.ID]; ok && n.Status == StatusAvailable {
			n.Incarnation++
			n.LastSeen = time.Now()
			g.setStatusLocked(n, StatusSuspect)
			log.Warn().Str("node", g.localID).Str("peer", target.ID).Err(err).Msg("Probe failed, peer suspected")
			g.notifyLocked()
		}
		g.mu.Unlock()
		return
	}

	g.MarkAvailable(target.ID)
	if len(remote) > 0 {
		g.ApplyGossip(remote)
	}
}

func (g *Group) gossip(gossipFn GossipFunc) {
	target := g.randomPeer()
	if target == nil || IsUnavailable(target) {
		return
	}
	telemetry.GossipRoundsTotal.Inc()

	ctx, cancel := context.WithTimeout(g.ctx, g.probeInterval)
	defer cancel()

	remote, err := gossipFn(ctx, target, g.view())
	if err != nil {
		log.Debug().Str("node", g.localID).Str("peer", target.ID).Err(err).Msg("Gossip failed")
		return
	}
	g.ApplyGossip(remote)
}

func (g *Group) checkTimeouts() {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	for id, n := range g.nodes {
		if id == g.localID {
			continue
		}
		if n.Status == StatusSuspect && now.Sub(n.LastSeen) > g.suspectTimeout {
			n.Incarnation++
			g.setStatusLocked(n, StatusUnavailable)
			log.Warn().Str("node", g.localID).Str("peer", id).Msg("Marked peer UNAVAILABLE (suspect timeout)")
			changed = true
		}
	}
	if changed {
		g.notifyLocked()
	}
}

// ApplyGossip merges a remote view: higher incarnation wins, and on equal
// incarnations the more available status wins. A rumor that the local node
// is not available is refuted by bumping the local incarnation.
func (g *Group) ApplyGossip(remote []*NodeState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	for _, r := range remote {
		if r == nil || r.ID == "" {
			continue
		}

		if r.ID == g.localID {
			self := g.nodes[g.localID]
			if r.Status != StatusAvailable && r.Incarnation >= self.Incarnation {
				self.Incarnation = r.Incarnation + 1
				log.Info().Str("node", g.localID).Uint64("incarnation", self.Incarnation).Msg("Refuted rumor about local node")
				changed = true
			}
			continue
		}

		local, exists := g.nodes[r.ID]
		if !exists {
			n := r.Copy()
			n.LastSeen = time.Now()
			g.nodes[r.ID] = n
			log.Info().Str("node", g.localID).Str("peer", r.ID).Stringer("status", r.Status).Msg("Discovered new member")
			changed = true
			continue
		}

		switch {
		case r.Incarnation > local.Incarnation:
			local.Incarnation = r.Incarnation
			local.LastSeen = time.Now()
			if r.GroupReference != nil {
				ref := *r.GroupReference
				local.GroupReference = &ref
			}
			local.Options = r.Options
			local.MembershipQuorum = r.MembershipQuorum
			g.setStatusLocked(local, r.Status)
			changed = true
		case r.Incarnation == local.Incarnation && r.Status < local.Status:
			local.LastSeen = time.Now()
			g.setStatusLocked(local, r.Status)
			changed = true
		}
	}

	if changed {
		g.notifyLocked()
	}
}

// AddSeedMembers adds statically configured members, assumed available.
func (g *Group) AddSeedMembers(seeds []*NodeState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, seed := range seeds {
		if seed.ID == g.localID {
			continue
		}
		if _, exists := g.nodes[seed.ID]; exists {
			continue
		}
		n := seed.Copy()
		n.Status = StatusAvailable
		n.LastSeen = time.Now()
		if n.Incarnation == 0 {
			n.Incarnation = 1
		}
		g.nodes[n.ID] = n
	}
	g.notifyLocked()
}

// MarkAvailable records direct evidence that id is reachable.
func (g *Group) MarkAvailable(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return
	}
	n.LastSeen = time.Now()
	if n.Status != StatusAvailable {
		n.Incarnation++
		g.setStatusLocked(n, StatusAvailable)
		log.Info().Str("node", g.localID).Str("peer", id).Msg("Marked peer AVAILABLE")
		g.notifyLocked()
	}
}

// MarkUnavailable records that id cannot be reached.
func (g *Group) MarkUnavailable(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok || id == g.localID || n.Status == StatusUnavailable {
		return
	}
	n.Incarnation++
	g.setStatusLocked(n, StatusUnavailable)
	g.notifyLocked()
}

// Snapshot returns a copy of the current view.
func (g *Group) Snapshot() *GroupState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotLocked()
}

func (g *Group) view() []*NodeState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]*NodeState, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n.Copy())
	}
	return nodes
}

func (g *Group) snapshotLocked() *GroupState {
	nodes := make(map[string]*NodeState, len(g.nodes))
	for id, n := range g.nodes {
		nodes[id] = n.Copy()
	}
	return &GroupState{Nodes: nodes, Version: g.version}
}

func (g *Group) setStatusLocked(n *NodeState, status NodeStatus) {
	if n.Status == status {
		return
	}
	telemetry.NodeStateTransitionsTotal.With(n.Status.String(), status.String()).Inc()
	n.Status = status
}

// notifyLocked must be called with g.mu held for writing.
func (g *Group) notifyLocked() {
	g.version++
	if g.onChange == nil {
		return
	}
	snap := g.snapshotLocked()
	go g.onChange(snap)
}
