package host

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"docstore/internal/membership"
	"docstore/internal/telemetry"
)

// DocumentsPrefix is the path under which documents live.
const DocumentsPrefix = "/documents"

func (h *Host) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route(DocumentsPrefix, func(r chi.Router) {
		r.Get("/*", h.handleGet)
		r.Post("/*", h.handleWrite)
		r.Put("/*", h.handleWrite)
		r.Patch("/*", h.handleWrite)
		r.Delete("/*", h.handleWrite)
	})

	r.Get("/core/node-group", h.handleNodeGroup)

	if metrics := telemetry.MetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return r
}

type errorResponse struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message, StatusCode: status})
}

func (h *Host) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.Get(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if doc == nil || doc.Deleted {
		writeError(w, http.StatusNotFound, "document not found: "+r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// NodeView is the JSON form of a group member.
type NodeView struct {
	ID               string `json:"id"`
	GroupReference   string `json:"groupReference"`
	Options          string `json:"options"`
	Status           string `json:"status"`
	MembershipQuorum int    `json:"membershipQuorum"`
	Incarnation      uint64 `json:"incarnation"`
}

// NodeGroupView is the JSON form of the local group view.
type NodeGroupView struct {
	LocalNodeID string     `json:"localNodeId"`
	Version     uint64     `json:"membershipVersion"`
	Nodes       []NodeView `json:"nodes"`
}

func newNodeGroupView(localID string, g *membership.GroupState) NodeGroupView {
	view := NodeGroupView{LocalNodeID: localID, Version: g.Version}
	for _, n := range g.SortedNodes() {
		ref := ""
		if n.GroupReference != nil {
			ref = n.GroupReference.String()
		}
		view.Nodes = append(view.Nodes, NodeView{
			ID:               n.ID,
			GroupReference:   ref,
			Options:          n.Options.String(),
			Status:           n.Status.String(),
			MembershipQuorum: n.MembershipQuorum,
			Incarnation:      n.Incarnation,
		})
	}
	return view
}

func (h *Host) handleNodeGroup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newNodeGroupView(h.id, h.group.Snapshot()))
}
