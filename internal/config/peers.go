package config

import (
	"fmt"
	"strings"
)

const observerSuffix = "+observer"

// Peer is a statically configured cluster member.
type Peer struct {
	ID       string
	Addr     string
	Observer bool
}

// ParsePeers parses a comma-separated list of peers in the format
// "id1=addr1,id2=addr2+observer". The "+observer" suffix marks a member
// that follows the group without storing documents.
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])
		observer := false
		if strings.HasSuffix(addr, observerSuffix) {
			observer = true
			addr = strings.TrimSpace(strings.TrimSuffix(addr, observerSuffix))
		}

		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate peer ID: %s", id)
		}
		seen[id] = true

		peers = append(peers, Peer{ID: id, Addr: addr, Observer: observer})
	}

	return peers, nil
}
