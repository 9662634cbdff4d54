package host

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/internal/config"
	"docstore/internal/document"
	"docstore/internal/encoding"
	"docstore/internal/operation"
	"docstore/internal/replication"
)

func newTestHost(t *testing.T, mutate func(c *config.Config)) *Host {
	t.Helper()

	cfg := config.Default()
	cfg.NodeID = "n1"
	cfg.Cluster.ListenAddress = "127.0.0.1:0"
	cfg.Cluster.GossipEnabled = false
	cfg.Replication.OperationTimeoutMS = 2000
	if mutate != nil {
		mutate(cfg)
	}

	h, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

func do(t *testing.T, method, url string, body []byte, header http.Header) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", operation.ContentTypeJSON)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeDocument(t *testing.T, data []byte) document.Document {
	t.Helper()
	var doc document.Document
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestSingleNodeDocumentLifecycle(t *testing.T) {
	h := newTestHost(t, nil)
	base := h.URL().String() + DocumentsPrefix

	resp, body := do(t, http.MethodPut, base+"/a", []byte(`{"name":"alpha","count":1}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	doc := decodeDocument(t, body)
	assert.Equal(t, "/documents/a", doc.SelfLink)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, "n1", doc.Owner)

	resp, body = do(t, http.MethodPatch, base+"/a", []byte(`{"count":2}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	doc = decodeDocument(t, body)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, "alpha", doc.Body["name"])
	assert.Equal(t, float64(2), doc.Body["count"])

	resp, body = do(t, http.MethodGet, base+"/a", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decodeDocument(t, body).Version)

	resp, _ = do(t, http.MethodDelete, base+"/a", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, base+"/a", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	stored, err := h.Store().Get("/documents/a")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Deleted)
	assert.Equal(t, int64(3), stored.Version)
}

func TestWriteRejections(t *testing.T) {
	h := newTestHost(t, nil)
	base := h.URL().String() + DocumentsPrefix

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid JSON", http.MethodPut, "/b", `{not json`, http.StatusBadRequest},
		{"missing ID", http.MethodPost, "/", `{}`, http.StatusBadRequest},
		{"patch missing document", http.MethodPatch, "/missing", `{"x":1}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, base+tt.path, []byte(tt.body), nil)
			assert.Equal(t, tt.want, resp.StatusCode, string(body))

			var errRsp errorResponse
			require.NoError(t, json.Unmarshal(body, &errRsp))
			assert.Equal(t, tt.want, errRsp.StatusCode)
			assert.NotEmpty(t, errRsp.Message)
		})
	}
}

func TestApplyReplicatedWrite(t *testing.T) {
	h := newTestHost(t, func(c *config.Config) {
		c.Cluster.Peers = "n9=127.0.0.1:1"
	})
	url := h.URL().String() + "/documents/r"
	header := http.Header{
		operation.FromReplicationHeader: []string{"true"},
		"Content-Type":                  []string{operation.ContentTypeMsgpack},
	}

	send := func(version int64, value string) int {
		body, err := encoding.Marshal(&document.Document{
			SelfLink:         "/documents/r",
			Version:          version,
			UpdateTimeMicros: version,
			Owner:            "n9",
			Body:             map[string]any{"v": value},
		})
		require.NoError(t, err)
		resp, _ := do(t, http.MethodPut, url, body, header)
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, send(5, "five"))
	require.Equal(t, http.StatusOK, send(3, "three"), "stale versions are acknowledged")

	stored, err := h.Store().Get("/documents/r")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(5), stored.Version)
	assert.Equal(t, "five", stored.Body["v"])
	assert.Equal(t, "n9", stored.Owner)

	resp, _ := do(t, http.MethodPut, url, []byte("garbage"), header)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApplyReplicatedWriteRequiresPeerOwner(t *testing.T) {
	h := newTestHost(t, func(c *config.Config) {
		c.Cluster.Peers = "n2=10.1.2.3:8000,n3=peer-three.internal:8000"
	})
	url := h.URL().String() + "/documents/r"
	header := http.Header{
		operation.FromReplicationHeader: []string{"true"},
		"Content-Type":                  []string{operation.ContentTypeMsgpack},
	}

	send := func(owner string) int {
		body, err := encoding.Marshal(&document.Document{
			SelfLink: "/documents/r",
			Version:  1,
			Owner:    owner,
			Body:     map[string]any{"owner": owner},
		})
		require.NoError(t, err)
		resp, _ := do(t, http.MethodPut, url, body, header)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, send("stranger"), "owner outside the group")
	assert.Equal(t, http.StatusForbidden, send("n1"), "local node never receives its own writes")
	assert.Equal(t, http.StatusForbidden, send("n2"), "request does not come from the owner's address")

	stored, err := h.Store().Get("/documents/r")
	require.NoError(t, err)
	assert.Nil(t, stored)

	assert.Equal(t, http.StatusOK, send("n3"), "hostname members are trusted")
	stored, err = h.Store().Get("/documents/r")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "n3", stored.Owner)
}

func TestAwaitCompletion(t *testing.T) {
	newOp := func(expiration time.Time) *operation.Operation {
		op := operation.New(operation.ActionPut, nil)
		op.Expiration = expiration
		return op
	}

	t.Run("completes", func(t *testing.T) {
		op := newOp(time.Now().Add(time.Minute))
		outcome := awaitCompletion(op)
		go op.Complete()
		_, err := outcome.Get()
		assert.NoError(t, err)
	})

	t.Run("first resolution wins", func(t *testing.T) {
		op := newOp(time.Now().Add(time.Minute))
		outcome := awaitCompletion(op)
		failure := errors.New("quorum not reached")
		op.Fail(failure)
		op.Complete()
		_, err := outcome.Get()
		assert.ErrorIs(t, err, failure)
	})

	t.Run("times out after expiration and grace", func(t *testing.T) {
		op := newOp(time.Now().Add(-completionGrace + 50*time.Millisecond))
		start := time.Now()
		_, err := awaitCompletion(op).Get()
		assert.ErrorIs(t, err, future.ErrTimeout)
		assert.Less(t, time.Since(start), completionGrace)

		// A late completion is dropped.
		assert.NotPanics(t, op.Complete)
	})
}

func TestNodeGroupView(t *testing.T) {
	h := newTestHost(t, func(c *config.Config) {
		c.Cluster.Peers = "n1=127.0.0.1:1,n2=127.0.0.1:2,obs=127.0.0.1:3+observer"
	})

	resp, body := do(t, http.MethodGet, h.URL().String()+"/core/node-group", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view NodeGroupView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "n1", view.LocalNodeID)
	require.Len(t, view.Nodes, 3)
	assert.Equal(t, "n1", view.Nodes[0].ID)
	assert.Equal(t, h.URL().String(), view.Nodes[0].GroupReference)
	assert.Equal(t, "n2", view.Nodes[1].ID)
	assert.Equal(t, "OBSERVER", view.Nodes[2].Options)
}

func TestReplicationStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid quorum", &replication.InvalidQuorumError{Value: "x"}, http.StatusBadRequest},
		{"quorum too large", &replication.QuorumTooLargeError{Requested: 5, MemberCount: 3}, http.StatusBadRequest},
		{"quorum not reached", &replication.QuorumNotReachedError{Action: "PUT", Path: "/documents/a"}, http.StatusServiceUnavailable},
		{"insufficient peers", &replication.InsufficientPeersError{MemberCount: 1, Quorum: 2}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := replicationStatus(tt.err); got != tt.want {
				t.Errorf("replicationStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAdvertiseAddress(t *testing.T) {
	got, err := advertiseAddress("", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8123})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8123", got)

	got, err = advertiseAddress("docs.internal:9000", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8123})
	require.NoError(t, err)
	assert.Equal(t, "docs.internal:9000", got)

	got, err = advertiseAddress("", &net.TCPAddr{IP: net.IPv4zero, Port: 8123})
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(got)
	require.NoError(t, err)
	assert.Equal(t, "8123", port)
	assert.NotEqual(t, "0.0.0.0", host)
}

func TestOutboundHeadersStripHopHeaders(t *testing.T) {
	in := http.Header{
		"Cookie":                          []string{"a=b"},
		"Content-Length":                  []string{"10"},
		operation.ForwardedHeader:         []string{"n2"},
		operation.ReplicationQuorumHeader: []string{"all"},
		"X-Request-Id":                    []string{"abc"},
	}
	out := outboundHeaders(in)

	assert.Empty(t, out.Get("Cookie"))
	assert.Empty(t, out.Get("Content-Length"))
	assert.Empty(t, out.Get(operation.ForwardedHeader))
	assert.Equal(t, "all", out.Get(operation.ReplicationQuorumHeader))
	assert.Equal(t, "abc", out.Get("X-Request-Id"))
	assert.Equal(t, "a=b", in.Get("Cookie"), "input is not modified")
}
