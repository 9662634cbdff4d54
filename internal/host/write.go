package host

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"docstore/internal/client"
	"docstore/internal/document"
	"docstore/internal/encoding"
	"docstore/internal/operation"
	"docstore/internal/replication"
	"docstore/internal/selector"
	"docstore/internal/telemetry"
)

const (
	maxBodyBytes = 16 << 20

	// completionGrace is how long past its expiration a write waits for the
	// replication outcome before giving up.
	completionGrace = time.Second
)

// hopHeaders are not copied onto outbound operations.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Te",
	"Upgrade",
	"Content-Length",
	"Content-Type",
	"Accept-Encoding",
	"Cookie",
	"Referer",
	operation.ForwardedHeader,
	operation.FromReplicationHeader,
}

func outboundHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}

func requestReferer(r *http.Request) *url.URL {
	ref := r.Referer()
	if ref == "" {
		return nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	return u
}

func (h *Host) handleWrite(w http.ResponseWriter, r *http.Request) {
	action := operation.Action(r.Method)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}

	if r.Header.Get(operation.FromReplicationHeader) == "true" {
		h.applyReplicated(w, r, body)
		return
	}

	selfLink := r.URL.Path
	if strings.TrimPrefix(selfLink, DocumentsPrefix+"/") == "" {
		writeError(w, http.StatusBadRequest, "missing document ID")
		return
	}

	rsp, err := h.selector.SelectOwner(selfLink)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// A forwarded write is applied here even if the view changed in flight,
	// so writes never bounce between nodes.
	if !rsp.IsLocalHostOwner && r.Header.Get(operation.ForwardedHeader) == "" {
		h.forward(w, r, action, body, rsp)
		return
	}

	start := time.Now()
	status, result := h.ownerWrite(w, r, action, selfLink, body, rsp)
	telemetry.DocumentWritesTotal.With(string(action), result).Inc()
	telemetry.WriteDurationSeconds.With(string(action)).Observe(time.Since(start).Seconds())
	log.Debug().
		Str("node", h.id).
		Str("action", string(action)).
		Str("self_link", selfLink).
		Int("status", status).
		Dur("took", time.Since(start)).
		Msg("Handled write")
}

// ownerWrite applies a write on the owner and replicates it. It reports the
// response status and a metrics result label.
func (h *Host) ownerWrite(w http.ResponseWriter, r *http.Request, action operation.Action, selfLink string, body []byte, rsp *selector.SelectOwnerResponse) (int, string) {
	doc, status, err := h.buildDocument(action, selfLink, body)
	if err != nil {
		writeError(w, status, err.Error())
		return status, "rejected"
	}

	stored, err := h.store.Put(doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return http.StatusInternalServerError, "failed"
	}

	if !h.options.Has(document.OptionReplication) {
		writeJSON(w, http.StatusOK, stored)
		return http.StatusOK, "ok"
	}

	op := operation.New(action, &url.URL{
		Scheme:   h.self.GroupReference.Scheme,
		Host:     h.self.GroupReference.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	})
	op.Headers = outboundHeaders(r.Header)
	op.Cookies = r.Cookies()
	op.Referer = requestReferer(r)
	op.Expiration = time.Now().Add(h.cfg.OperationTimeout())

	outcome := awaitCompletion(op)

	req := &replication.SelectAndForwardRequest{
		Key:            selfLink,
		TargetPath:     r.URL.Path,
		TargetQuery:    r.URL.RawQuery,
		ServiceOptions: h.options,
		LinkedState:    stored,
	}
	h.replicator.ReplicateUpdate(r.Context(), h.group.Snapshot(), op, req, rsp)

	if _, err := outcome.Get(); err != nil {
		if errors.Is(err, future.ErrTimeout) {
			log.Warn().Str("node", h.id).Str("self_link", selfLink).Msg("Replication outcome not received before expiration")
			writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("%s to %s did not complete before expiration", action, selfLink))
			return http.StatusGatewayTimeout, "timeout"
		}
		status := replicationStatus(err)
		writeError(w, status, err.Error())
		if status == http.StatusBadRequest {
			return status, "rejected"
		}
		return status, "failed"
	}
	writeJSON(w, http.StatusOK, stored)
	return http.StatusOK, "ok"
}

// awaitCompletion resolves a promise from op's completion and returns its
// future, bounded by the op expiration plus completionGrace. A timeout
// surfaces as future.ErrTimeout.
func awaitCompletion(op *operation.Operation) *future.Future[error] {
	p := future.NewPromise[error]()
	op.Completion = func(_ *operation.Operation, err error) {
		p.SetSafety(nil, err)
	}
	return future.Until(p.Future(), op.Expiration.Add(completionGrace))
}

// replicationStatus maps a replication failure onto an HTTP status: a bad
// quorum override is the caller's fault, everything else is unavailability.
func replicationStatus(err error) int {
	var invalid *replication.InvalidQuorumError
	var tooLarge *replication.QuorumTooLargeError
	if errors.As(err, &invalid) || errors.As(err, &tooLarge) {
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}

// buildDocument turns a client write into the document to store. PATCH merges
// into the current body, DELETE stores a tombstone.
func (h *Host) buildDocument(action operation.Action, selfLink string, body []byte) (*document.Document, int, error) {
	var fields map[string]any
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err)
		}
	}

	doc := &document.Document{SelfLink: selfLink, Owner: h.id}
	switch action {
	case operation.ActionPatch:
		current, err := h.store.Get(selfLink)
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		if current == nil || current.Deleted {
			return nil, http.StatusNotFound, fmt.Errorf("document not found: %s", selfLink)
		}
		doc.Body = current.Body
		if doc.Body == nil {
			doc.Body = make(map[string]any, len(fields))
		}
		maps.Copy(doc.Body, fields)
	case operation.ActionDelete:
		doc.Deleted = true
	default:
		doc.Body = fields
	}
	return doc, http.StatusOK, nil
}

// forward relays a write to the owner of its document and copies the
// owner's response back.
func (h *Host) forward(w http.ResponseWriter, r *http.Request, action operation.Action, body []byte, rsp *selector.SelectOwnerResponse) {
	ref := rsp.OwnerNodeReference
	if ref == nil {
		writeError(w, http.StatusServiceUnavailable, "owner "+rsp.OwnerNodeID+" has no address")
		return
	}
	telemetry.ForwardedWritesTotal.Inc()

	fwd := operation.New(action, &url.URL{
		Scheme:   ref.Scheme,
		Host:     ref.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	})
	fwd.Headers = outboundHeaders(r.Header)
	fwd.SetRequestHeader(operation.ForwardedHeader, h.id)
	fwd.Body = body
	fwd.ContentType = r.Header.Get("Content-Type")
	fwd.Cookies = r.Cookies()
	fwd.Referer = requestReferer(r)
	fwd.Expiration = time.Now().Add(h.cfg.OperationTimeout())
	fwd.ConnectionSharing = true

	outcome := awaitCompletion(fwd)

	log.Debug().Str("node", h.id).Str("owner", rsp.OwnerNodeID).Stringer("uri", fwd.URI).Msg("Forwarding write to owner")
	h.client.Send(fwd)

	_, err := outcome.Get()
	if errors.Is(err, future.ErrTimeout) {
		writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("forward to %s did not complete before expiration", rsp.OwnerNodeID))
		return
	}
	var statusErr *client.StatusError
	if err != nil && !errors.As(err, &statusErr) {
		writeError(w, fwd.StatusCode, fmt.Sprintf("forward to %s failed: %v", rsp.OwnerNodeID, err))
		return
	}
	if fwd.ContentType != "" {
		w.Header().Set("Content-Type", fwd.ContentType)
	}
	w.WriteHeader(fwd.StatusCode)
	_, _ = w.Write(fwd.Body)
}

// applyReplicated stores a document replicated by its owner. Stale versions
// are acknowledged without being applied.
func (h *Host) applyReplicated(w http.ResponseWriter, r *http.Request, body []byte) {
	var doc document.Document
	if err := encoding.Unmarshal(body, &doc); err != nil {
		telemetry.ReplicatedAppliesTotal.With("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid replicated document: "+err.Error())
		return
	}
	if doc.SelfLink == "" {
		telemetry.ReplicatedAppliesTotal.With("invalid").Inc()
		writeError(w, http.StatusBadRequest, "replicated document has no self link")
		return
	}
	if err := h.checkReplicationSender(r, &doc); err != nil {
		telemetry.ReplicatedAppliesTotal.With("forbidden").Inc()
		log.Warn().Str("node", h.id).Str("remote", r.RemoteAddr).Str("self_link", doc.SelfLink).Err(err).Msg("Rejected replicated write")
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	applied, err := h.store.ApplyReplicated(&doc)
	if err != nil {
		telemetry.ReplicatedAppliesTotal.With("failed").Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := "applied"
	if !applied {
		result = "stale"
	}
	telemetry.ReplicatedAppliesTotal.With(result).Inc()
	log.Debug().Str("node", h.id).Str("self_link", doc.SelfLink).Int64("version", doc.Version).Str("result", result).Msg("Applied replicated write")

	writeJSON(w, http.StatusOK, &doc)
}

// checkReplicationSender accepts a replicated write only if its owner is a
// group member other than this node and, when that member advertises an IP
// address, the request comes from that address. Members advertising a
// hostname are trusted to share the cluster network.
func (h *Host) checkReplicationSender(r *http.Request, doc *document.Document) error {
	owner, ok := h.group.Snapshot().Nodes[doc.Owner]
	if !ok || owner.ID == h.id {
		return fmt.Errorf("owner %q is not a peer of %s", doc.Owner, h.id)
	}
	if owner.GroupReference == nil {
		return nil
	}
	ownerIP := net.ParseIP(owner.GroupReference.Hostname())
	if ownerIP == nil || ownerIP.IsUnspecified() {
		return nil
	}
	remote, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return fmt.Errorf("remote address %q: %w", r.RemoteAddr, err)
	}
	if ip := net.ParseIP(remote); ip == nil || !ip.Equal(ownerIP) {
		return fmt.Errorf("replicated write from %s does not match owner %s at %s", remote, owner.ID, ownerIP)
	}
	return nil
}
