package it

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docstore/internal/config"
	"docstore/internal/document"
	"docstore/internal/host"
)

// Cluster is a set of nodes running in the test process.
type Cluster struct {
	t     *testing.T
	mu    sync.Mutex
	nodes map[string]*host.Host
	order []string
	http  *http.Client
}

// NewCluster starts one node per ID, each listing every other node as a
// peer. mutate, if set, adjusts each node's configuration before start.
// Gossip is disabled unless mutate enables it.
func NewCluster(t *testing.T, ids []string, mutate func(c *config.Config)) *Cluster {
	t.Helper()

	listeners := make([]net.Listener, len(ids))
	peers := make([]string, len(ids))
	for i, id := range ids {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = lis
		peers[i] = fmt.Sprintf("%s=%s", id, lis.Addr().String())
	}

	c := &Cluster{
		t:     t,
		nodes: make(map[string]*host.Host, len(ids)),
		order: ids,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
	t.Cleanup(c.Stop)

	for i, id := range ids {
		cfg := config.Default()
		cfg.NodeID = id
		cfg.Cluster.ListenAddress = listeners[i].Addr().String()
		cfg.Cluster.Peers = strings.Join(peers, ",")
		cfg.Cluster.GossipEnabled = false
		cfg.Replication.OperationTimeoutMS = 3000
		cfg.Client.RetryBackoffMS = 10
		if mutate != nil {
			mutate(cfg)
		}
		require.NoError(t, cfg.Validate())

		h, err := host.NewWithListener(cfg, listeners[i])
		require.NoError(t, err)
		require.NoError(t, h.Start())

		c.mu.Lock()
		c.nodes[id] = h
		c.mu.Unlock()
	}

	return c
}

// Node returns the running node with id, or nil.
func (c *Cluster) Node(id string) *host.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

// StopNode stops a node; it stays in the other nodes' views.
func (c *Cluster) StopNode(id string) {
	c.mu.Lock()
	h := c.nodes[id]
	delete(c.nodes, id)
	c.mu.Unlock()

	if h != nil {
		h.Stop()
	}
}

// Stop stops every running node.
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = make(map[string]*host.Host)
	c.mu.Unlock()

	for _, h := range nodes {
		h.Stop()
	}
}

// KeyOwnedBy returns a document self link owned by nodeID, or, when owned is
// false, a self link owned by any other node.
func (c *Cluster) KeyOwnedBy(nodeID string, owned bool) string {
	c.t.Helper()

	h := c.Node(c.order[0])
	require.NotNil(c.t, h)
	for i := 0; i < 10000; i++ {
		selfLink := fmt.Sprintf("%s/doc-%d", host.DocumentsPrefix, i)
		rsp, err := h.Selector().SelectOwner(selfLink)
		require.NoError(c.t, err)
		if (rsp.OwnerNodeID == nodeID) == owned {
			return selfLink
		}
	}
	c.t.Fatalf("no key found for owner %s (owned=%v)", nodeID, owned)
	return ""
}

// Write sends a client write for selfLink to nodeID.
func (c *Cluster) Write(nodeID, method, selfLink string, body any, header http.Header) (int, []byte) {
	c.t.Helper()

	h := c.Node(nodeID)
	require.NotNil(c.t, h, "node %s is not running", nodeID)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(c.t, err)
	}

	req, err := http.NewRequest(method, h.URL().String()+selfLink, bytes.NewReader(payload))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

// Stored returns the document nodeID holds locally for selfLink.
func (c *Cluster) Stored(nodeID, selfLink string) *document.Document {
	c.t.Helper()

	h := c.Node(nodeID)
	require.NotNil(c.t, h, "node %s is not running", nodeID)
	doc, err := h.Store().Get(selfLink)
	require.NoError(c.t, err)
	return doc
}
