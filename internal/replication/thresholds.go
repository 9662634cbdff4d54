package replication

import (
	"strconv"
	"strings"

	"docstore/internal/operation"
)

// Thresholds are the acknowledgment counts that end a round: Success or more
// successes resolve it successfully, more than Failure failures fail it.
type Thresholds struct {
	Success int
	Failure int
}

// ComputeThresholds derives the thresholds for a round over eligible selected
// nodes. Owner selection raises the default to the local membership quorum.
// An override, when present, is "all" or an integer no larger than eligible.
func ComputeThresholds(eligible, localQuorum int, ownerSelection bool, override string, hasOverride bool) (Thresholds, error) {
	success := min(2, eligible-1)
	if ownerSelection {
		success = min(eligible, localQuorum)
	}

	if hasOverride {
		v := strings.TrimSpace(override)
		if strings.EqualFold(v, operation.ReplicationQuorumAll) {
			success = eligible
		} else {
			n, err := strconv.Atoi(v)
			if err != nil {
				return Thresholds{}, &InvalidQuorumError{Value: override, Err: err}
			}
			if n < 0 {
				return Thresholds{}, &InvalidQuorumError{Value: override}
			}
			if n > eligible {
				return Thresholds{}, &QuorumTooLargeError{Requested: n, MemberCount: eligible}
			}
			success = n
		}
	}

	success = max(success, 0)
	return Thresholds{Success: success, Failure: max(eligible-success, 0)}, nil
}
