package membership

import (
	"fmt"
	"net/url"
	"time"
)

// WireNode is the msgpack form of a NodeState.
type WireNode struct {
	ID               string `msgpack:"id"`
	GroupReference   string `msgpack:"group_reference"`
	Options          uint8  `msgpack:"options"`
	Status           int    `msgpack:"status"`
	MembershipQuorum int    `msgpack:"membership_quorum"`
	Incarnation      uint64 `msgpack:"incarnation"`
	LastSeenUnixMs   int64  `msgpack:"last_seen_ms"`
}

type PingRequest struct {
	FromID  string      `msgpack:"from_id"`
	Members []*WireNode `msgpack:"members"`
}

type PingResponse struct {
	ResponderID string      `msgpack:"responder_id"`
	TimestampMs int64       `msgpack:"timestamp_ms"`
	Members     []*WireNode `msgpack:"members"`
}

type GossipRequest struct {
	FromID  string      `msgpack:"from_id"`
	Members []*WireNode `msgpack:"members"`
}

type GossipResponse struct {
	ResponderID string      `msgpack:"responder_id"`
	Members     []*WireNode `msgpack:"members"`
}

func toWire(nodes []*NodeState) []*WireNode {
	out := make([]*WireNode, 0, len(nodes))
	for _, n := range nodes {
		w := &WireNode{
			ID:               n.ID,
			Options:          uint8(n.Options),
			Status:           int(n.Status),
			MembershipQuorum: n.MembershipQuorum,
			Incarnation:      n.Incarnation,
			LastSeenUnixMs:   n.LastSeen.UnixMilli(),
		}
		if n.GroupReference != nil {
			w.GroupReference = n.GroupReference.String()
		}
		out = append(out, w)
	}
	return out
}

// fromWire converts received members, dropping entries with an unusable
// group reference.
func fromWire(members []*WireNode) []*NodeState {
	out := make([]*NodeState, 0, len(members))
	for _, w := range members {
		n, err := nodeFromWire(w)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func nodeFromWire(w *WireNode) (*NodeState, error) {
	if w == nil || w.ID == "" {
		return nil, fmt.Errorf("member without id")
	}
	ref, err := url.Parse(w.GroupReference)
	if err != nil {
		return nil, fmt.Errorf("member %s: parse group reference: %w", w.ID, err)
	}
	return &NodeState{
		ID:               w.ID,
		GroupReference:   ref,
		Options:          NodeOption(w.Options),
		Status:           NodeStatus(w.Status),
		MembershipQuorum: w.MembershipQuorum,
		Incarnation:      w.Incarnation,
		LastSeen:         time.UnixMilli(w.LastSeenUnixMs),
	}, nil
}
