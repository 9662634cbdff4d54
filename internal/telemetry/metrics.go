package telemetry

var (
	// RoundBuckets covers a replication round: local network fan-out plus
	// the slowest peer needed to reach the threshold.
	RoundBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// PeerCountBuckets records how many acknowledgments a round collected.
	PeerCountBuckets = []float64{1, 2, 3, 4, 5, 6, 8, 10, 16}
)

// Replication metrics
var (
	// ReplicationRoundsTotal counts replication rounds by outcome (success, failure, rejected)
	ReplicationRoundsTotal CounterVec = noopCounterVec{}

	// ReplicationRoundSeconds measures time from dispatch to resolution
	ReplicationRoundSeconds Histogram = NoopStat{}

	// ReplicationPeerSendsTotal counts replication requests handed to the client
	ReplicationPeerSendsTotal Counter = NoopStat{}

	// ReplicationPeerFailuresTotal counts failed peer completions, including
	// synthesized failures for unavailable peers (reason "unavailable")
	ReplicationPeerFailuresTotal CounterVec = noopCounterVec{}

	// ReplicationAcks records the success count observed at resolution
	ReplicationAcks Histogram = NoopStat{}
)

// Document metrics
var (
	// DocumentWritesTotal counts client writes by action and result
	DocumentWritesTotal CounterVec = noopCounterVec{}

	// ReplicatedAppliesTotal counts peer-side replicated writes by result (applied, stale)
	ReplicatedAppliesTotal CounterVec = noopCounterVec{}

	// ForwardedWritesTotal counts writes forwarded to their owner
	ForwardedWritesTotal Counter = NoopStat{}

	// WriteDurationSeconds measures client write latency by action
	WriteDurationSeconds HistogramVec = noopHistogramVec{}
)

// Membership metrics
var (
	// MembershipSize tracks the number of nodes in the local group view
	MembershipSize Gauge = NoopStat{}

	// MembershipUnavailable tracks nodes not currently available
	MembershipUnavailable Gauge = NoopStat{}

	// GossipRoundsTotal counts gossip rounds executed
	GossipRoundsTotal Counter = NoopStat{}

	// ProbeFailuresTotal counts failed membership probes
	ProbeFailuresTotal Counter = NoopStat{}

	// NodeStateTransitionsTotal counts node status transitions (from -> to)
	NodeStateTransitionsTotal CounterVec = noopCounterVec{}
)

// InitMetrics binds every metric to the registry.
func InitMetrics() {
	ReplicationRoundsTotal = NewCounterVec(
		"replication_rounds_total",
		"Replication rounds by outcome",
		[]string{"outcome"},
	)
	ReplicationRoundSeconds = NewHistogramWithBuckets(
		"replication_round_seconds",
		"Replication round latency from dispatch to resolution",
		RoundBuckets,
	)
	ReplicationPeerSendsTotal = NewCounter(
		"replication_peer_sends_total",
		"Replication requests sent to peers",
	)
	ReplicationPeerFailuresTotal = NewCounterVec(
		"replication_peer_failures_total",
		"Failed replication completions by reason",
		[]string{"reason"},
	)
	ReplicationAcks = NewHistogramWithBuckets(
		"replication_acks",
		"Successful acknowledgments observed when a round resolved",
		PeerCountBuckets,
	)

	DocumentWritesTotal = NewCounterVec(
		"document_writes_total",
		"Client document writes by action and result",
		[]string{"action", "result"},
	)
	ReplicatedAppliesTotal = NewCounterVec(
		"replicated_applies_total",
		"Replicated writes received from owners by result",
		[]string{"result"},
	)
	ForwardedWritesTotal = NewCounter(
		"forwarded_writes_total",
		"Writes forwarded to the owner node",
	)
	WriteDurationSeconds = NewHistogramVec(
		"write_duration_seconds",
		"Client write latency by action",
		[]string{"action"},
		RoundBuckets,
	)

	MembershipSize = NewGauge(
		"membership_size",
		"Nodes in the local group view",
	)
	MembershipUnavailable = NewGauge(
		"membership_unavailable",
		"Nodes in the local group view that are not available",
	)
	GossipRoundsTotal = NewCounter(
		"gossip_rounds_total",
		"Gossip rounds executed",
	)
	ProbeFailuresTotal = NewCounter(
		"probe_failures_total",
		"Failed membership probes",
	)
	NodeStateTransitionsTotal = NewCounterVec(
		"node_state_transitions_total",
		"Node status transitions",
		[]string{"from", "to"},
	)
}
