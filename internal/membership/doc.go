// Package membership tracks the node group: which nodes exist, how to reach
// them, which are peers or observers, and whether each is currently
// available. Views are disseminated with a SWIM-style probe and gossip loop
// over gRPC.
//
// Suspect nodes count as unavailable for replication; they keep their ring
// position until the group agrees they are gone.
package membership
