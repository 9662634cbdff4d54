package replication

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"docstore/internal/document"
	"docstore/internal/encoding"
	"docstore/internal/membership"
	"docstore/internal/operation"
	"docstore/internal/selector"
	"docstore/internal/telemetry"
)

// Client delivers an operation to its URI and later invokes its completion,
// on any goroutine.
type Client interface {
	Send(op *operation.Operation)
}

// SelectAndForwardRequest describes the write being replicated.
type SelectAndForwardRequest struct {
	Key            string
	TargetPath     string
	TargetQuery    string
	ServiceOptions document.ServiceOption
	LinkedState    *document.Document
}

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
)

// Replicator fans owner writes out to the selected peers.
type Replicator struct {
	hostID string
	client Client
	tracer trace.Tracer
}

// NewReplicator creates a replicator for the local node hostID.
func NewReplicator(hostID string, client Client) *Replicator {
	return &Replicator{
		hostID: hostID,
		client: client,
		tracer: otel.Tracer("docstore/replication"),
	}
}

// ReplicateUpdate replicates req.LinkedState to the nodes selected in rsp and
// resolves outboundOp exactly once with the aggregate outcome. localState is
// read, never modified. Structural problems (quorum larger than the peer set,
// malformed override, too few members for owner selection) fail outboundOp
// before any peer is contacted.
func (r *Replicator) ReplicateUpdate(ctx context.Context, localState *membership.GroupState, outboundOp *operation.Operation, req *SelectAndForwardRequest, rsp *selector.SelectOwnerResponse) {
	path, query := targetOf(outboundOp, req)

	_, span := r.tracer.Start(ctx, "replication.ReplicateUpdate", trace.WithAttributes(
		attribute.String("docstore.key", req.Key),
		attribute.String("docstore.action", string(outboundOp.Action)),
		attribute.Int("docstore.selected_nodes", len(rsp.SelectedNodes)),
	))
	start := time.Now()

	finish := func(outcome string, err error) {
		telemetry.ReplicationRoundsTotal.With(outcome).Inc()
		telemetry.ReplicationRoundSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			outboundOp.Fail(err)
			return
		}
		span.End()
		outboundOp.Complete()
	}

	self, ok := localState.Nodes[r.hostID]
	if !ok {
		finish(outcomeRejected, &LocalNodeMissingError{NodeID: r.hostID})
		return
	}

	memberCount := localState.MemberCount()
	localQuorum := self.MembershipQuorum
	ownerSelection := req.ServiceOptions.Has(document.OptionOwnerSelection)

	if ownerSelection && localQuorum > memberCount {
		finish(outcomeRejected, &InsufficientPeersError{MemberCount: memberCount, Quorum: localQuorum})
		return
	}

	if memberCount == 1 {
		finish(outcomeSuccess, nil)
		return
	}

	override, hasOverride := outboundOp.RequestHeader(operation.ReplicationQuorumHeader)
	eligible := len(rsp.SelectedNodes)
	th, err := ComputeThresholds(eligible, localQuorum, ownerSelection, override, hasOverride)
	if err != nil {
		finish(outcomeRejected, err)
		return
	}
	outboundOp.RemoveRequestHeader(operation.ReplicationQuorumHeader)

	span.SetAttributes(
		attribute.Int("docstore.success_threshold", th.Success),
		attribute.Int("docstore.failure_threshold", th.Failure),
		attribute.Int("docstore.member_count", memberCount),
	)

	body, err := encoding.Marshal(req.LinkedState)
	if err != nil {
		finish(outcomeRejected, fmt.Errorf("encode linked state: %w", err))
		return
	}

	rd := &round{
		thresholds:  th,
		memberCount: memberCount,
		quorum:      localQuorum,
		action:      string(outboundOp.Action),
		path:        path,
	}
	rd.resolve = func(successes int, err error) {
		telemetry.ReplicationAcks.Observe(float64(successes))
		if err != nil {
			log.Warn().Str("node", r.hostID).Str("key", req.Key).Err(err).Msg("Replication failed")
			finish(outcomeFailure, err)
			return
		}
		finish(outcomeSuccess, nil)
	}

	template := r.newTemplate(outboundOp, self, body, rd.complete)

	// The local node already applied the write.
	rd.complete(nil, nil)

	r.fanOut(template, rsp.SelectedNodes, path, query)
}

// fanOut sends a clone of template to every non-observer peer other than the
// local node. Unavailable peers fail immediately with PeerUnavailableError.
func (r *Replicator) fanOut(template *operation.Operation, peers []*membership.NodeState, path, query string) {
	for _, peer := range peers {
		if peer.ID == r.hostID || peer.Options.Has(membership.OptionObserver) {
			continue
		}

		uri, err := peerURI(peer.GroupReference, path, query)
		if err != nil {
			log.Debug().Str("node", r.hostID).Str("peer", peer.ID).Err(err).Msg("Skipping peer without usable address")
			continue
		}

		peerOp := template.Clone()
		peerOp.URI = uri

		if membership.IsUnavailable(peer) {
			peerOp.StatusCode = http.StatusBadRequest
			peerOp.Fail(&PeerUnavailableError{NodeID: peer.ID, Status: peer.Status.String()})
			continue
		}

		telemetry.ReplicationPeerSendsTotal.Inc()
		r.client.Send(peerOp)
	}
}

// newTemplate builds the request every peer receives, differing only in URI.
func (r *Replicator) newTemplate(original *operation.Operation, self *membership.NodeState, body []byte, completion operation.CompletionHandler) *operation.Operation {
	op := &operation.Operation{
		Action:            original.Action,
		Headers:           original.Headers.Clone(),
		Body:              body,
		ContentType:       operation.ContentTypeMsgpack,
		RetryCount:        1,
		Expiration:        original.Expiration,
		ConnectionTag:     operation.ConnectionTagDefault,
		ConnectionSharing: true,
		FromReplication:   true,
		Completion:        completion,
	}
	op.TransferRefererFrom(original)
	op.RemoveRequestHeader("Cookie")

	if self.GroupReference != nil && self.GroupReference.Scheme == "http" {
		op.ConnectionTag = operation.ConnectionTagReplication
	}
	return op
}

func targetOf(op *operation.Operation, req *SelectAndForwardRequest) (string, string) {
	if op.URI != nil {
		return op.URI.Path, op.URI.RawQuery
	}
	return req.TargetPath, req.TargetQuery
}

func peerURI(ref *url.URL, path, query string) (*url.URL, error) {
	if ref == nil || ref.Scheme == "" || ref.Host == "" {
		return nil, fmt.Errorf("invalid group reference %v", ref)
	}
	return &url.URL{Scheme: ref.Scheme, Host: ref.Host, Path: path, RawQuery: query}, nil
}

// round accumulates the completions of one ReplicateUpdate call.
type round struct {
	thresholds  Thresholds
	memberCount int
	quorum      int
	action      string
	path        string
	resolve     func(successes int, err error)

	mu        sync.Mutex
	successes int
	failures  int
	resolved  bool
}

func (rd *round) complete(o *operation.Operation, err error) {
	if err == nil && o != nil && o.StatusCode >= operation.StatusCodeFailureThreshold {
		err = fmt.Errorf("replication to %s returned status %d", o.URI, o.StatusCode)
	}
	if err != nil && o != nil {
		log.Warn().Stringer("uri", o.URI).Int("status", o.StatusCode).Err(err).Msg("Replication request failed")
		telemetry.ReplicationPeerFailuresTotal.With(failureReason(o.StatusCode, err)).Inc()
	}

	rd.mu.Lock()
	if err != nil {
		rd.failures++
	} else {
		rd.successes++
	}
	s, f := rd.successes, rd.failures

	if rd.resolved {
		rd.mu.Unlock()
		return
	}

	var (
		done    bool
		outcome error
	)
	switch {
	case s >= rd.thresholds.Success:
		done = true
	case f == 0:
	case f > rd.thresholds.Failure || s+f == rd.memberCount:
		done = true
		outcome = &QuorumNotReachedError{
			Action:           rd.action,
			Path:             rd.path,
			Successes:        s,
			Failures:         f,
			Quorum:           rd.quorum,
			FailureThreshold: rd.thresholds.Failure,
		}
	}
	rd.resolved = done
	rd.mu.Unlock()

	if done {
		rd.resolve(s, outcome)
	}
}

func failureReason(status int, err error) string {
	var unavailable *PeerUnavailableError
	switch {
	case errors.As(err, &unavailable):
		return "unavailable"
	case status == http.StatusRequestTimeout:
		return "timeout"
	case status >= http.StatusInternalServerError:
		return "server_error"
	default:
		return "rejected"
	}
}
