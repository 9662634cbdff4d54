package document

import (
	"maps"
	"strings"
)

// ServiceOption is a bitset of per-service replication behaviors.
type ServiceOption uint32

const (
	// OptionReplication replicates owner writes to the peer set.
	OptionReplication ServiceOption = 1 << iota
	// OptionOwnerSelection requires the local membership quorum to be met.
	OptionOwnerSelection
)

// Has reports whether every bit of flag is set.
func (o ServiceOption) Has(flag ServiceOption) bool {
	return o&flag == flag
}

func (o ServiceOption) String() string {
	var parts []string
	if o.Has(OptionReplication) {
		parts = append(parts, "REPLICATION")
	}
	if o.Has(OptionOwnerSelection) {
		parts = append(parts, "OWNER_SELECTION")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Document is the replicated unit of state, addressed by its self link.
type Document struct {
	SelfLink         string         `json:"documentSelfLink" msgpack:"self_link"`
	Version          int64          `json:"documentVersion" msgpack:"version"`
	UpdateTimeMicros int64          `json:"documentUpdateTimeMicros" msgpack:"update_time_micros"`
	Owner            string         `json:"documentOwner,omitempty" msgpack:"owner"`
	Deleted          bool           `json:"documentDeleted,omitempty" msgpack:"deleted"`
	Body             map[string]any `json:"body,omitempty" msgpack:"body"`
}

// Copy returns a shallow copy with its own top-level body map.
func (d *Document) Copy() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Body != nil {
		c.Body = maps.Clone(d.Body)
	}
	return &c
}

// Supersedes reports whether d should replace other: a higher version wins,
// and equal versions are ordered by update time.
func (d *Document) Supersedes(other *Document) bool {
	if other == nil {
		return true
	}
	if d.Version != other.Version {
		return d.Version > other.Version
	}
	return d.UpdateTimeMicros > other.UpdateTimeMicros
}
