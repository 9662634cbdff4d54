package replication

import "fmt"

// InsufficientPeersError reports that the group is smaller than the local
// membership quorum required for owner selection.
type InsufficientPeersError struct {
	MemberCount int
	Quorum      int
}

func (e *InsufficientPeersError) Error() string {
	return fmt.Sprintf("not enough peers: %d (quorum %d)", e.MemberCount, e.Quorum)
}

// PeerUnavailableError is the failure synthesized for a peer whose
// membership status marks it unavailable. No request is sent to it.
type PeerUnavailableError struct {
	NodeID string
	Status string
}

func (e *PeerUnavailableError) Error() string {
	return fmt.Sprintf("node %s is %s", e.NodeID, e.Status)
}

// InvalidQuorumError reports a quorum override that is not "all" or a
// non-negative integer.
type InvalidQuorumError struct {
	Value string
	Err   error
}

func (e *InvalidQuorumError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid replication quorum %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("invalid replication quorum %q", e.Value)
}

func (e *InvalidQuorumError) Unwrap() error {
	return e.Err
}

// QuorumTooLargeError reports a quorum override larger than the peer set.
type QuorumTooLargeError struct {
	Requested   int
	MemberCount int
}

func (e *QuorumTooLargeError) Error() string {
	return fmt.Sprintf("requested quorum %d is larger than member count %d", e.Requested, e.MemberCount)
}

// QuorumNotReachedError is the aggregate failure of a replication round.
type QuorumNotReachedError struct {
	Action           string
	Path             string
	Successes        int
	Failures         int
	Quorum           int
	FailureThreshold int
}

func (e *QuorumNotReachedError) Error() string {
	return fmt.Sprintf("%s to %s failed. Success: %d, Fail: %d, quorum: %d, threshold: %d",
		e.Action, e.Path, e.Successes, e.Failures, e.Quorum, e.FailureThreshold)
}

// LocalNodeMissingError reports that the group view does not contain the
// local node.
type LocalNodeMissingError struct {
	NodeID string
}

func (e *LocalNodeMissingError) Error() string {
	return fmt.Sprintf("local node %s is not in the group view", e.NodeID)
}
