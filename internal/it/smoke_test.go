package it

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/internal/config"
	"docstore/internal/document"
	"docstore/internal/operation"
)

var threeNodes = []string{"n1", "n2", "n3"}

func TestSmoke_WriteReplicatesToAllNodes(t *testing.T) {
	cluster := NewCluster(t, threeNodes, nil)
	selfLink := cluster.KeyOwnedBy("n1", true)

	status, body := cluster.Write("n1", http.MethodPut, selfLink, map[string]any{"name": "alpha"}, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	for _, id := range threeNodes {
		assert.Eventually(t, func() bool {
			doc := cluster.Stored(id, selfLink)
			return doc != nil && doc.Version == 1 && doc.Body["name"] == "alpha"
		}, 5*time.Second, 20*time.Millisecond, "node %s did not receive the write", id)
	}

	status, body = cluster.Write("n1", http.MethodPatch, selfLink, map[string]any{"count": 2}, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	for _, id := range threeNodes {
		assert.Eventually(t, func() bool {
			doc := cluster.Stored(id, selfLink)
			return doc != nil && doc.Version == 2 && doc.Body["name"] == "alpha"
		}, 5*time.Second, 20*time.Millisecond, "node %s did not receive the patch", id)
	}
}

func TestSmoke_NonOwnerForwardsToOwner(t *testing.T) {
	cluster := NewCluster(t, threeNodes, nil)
	selfLink := cluster.KeyOwnedBy("n1", false)

	rsp, err := cluster.Node("n1").Selector().SelectOwner(selfLink)
	require.NoError(t, err)
	owner := rsp.OwnerNodeID

	status, body := cluster.Write("n1", http.MethodPut, selfLink, map[string]any{"v": 1}, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var doc document.Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, owner, doc.Owner)
	assert.Equal(t, selfLink, doc.SelfLink)

	stored := cluster.Stored(owner, selfLink)
	require.NotNil(t, stored)
	assert.Equal(t, int64(1), stored.Version)
}

func TestQuorum_ToleratesOneNodeDown(t *testing.T) {
	cluster := NewCluster(t, threeNodes, nil)
	selfLink := cluster.KeyOwnedBy("n1", true)

	cluster.StopNode("n3")

	status, body := cluster.Write("n1", http.MethodPut, selfLink, map[string]any{"v": 1}, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	assert.Eventually(t, func() bool {
		doc := cluster.Stored("n2", selfLink)
		return doc != nil && doc.Version == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestQuorum_AllFailsWithNodeDown(t *testing.T) {
	cluster := NewCluster(t, threeNodes, nil)
	selfLink := cluster.KeyOwnedBy("n1", true)

	cluster.StopNode("n3")

	header := http.Header{operation.ReplicationQuorumHeader: []string{"all"}}
	status, body := cluster.Write("n1", http.MethodPut, selfLink, map[string]any{"v": 1}, header)
	require.Equal(t, http.StatusServiceUnavailable, status, string(body))
	assert.Contains(t, string(body), "failed. Success:")
}

func TestQuorum_OverrideLargerThanPeerSet(t *testing.T) {
	cluster := NewCluster(t, threeNodes, nil)
	selfLink := cluster.KeyOwnedBy("n1", true)

	header := http.Header{operation.ReplicationQuorumHeader: []string{"5"}}
	status, body := cluster.Write("n1", http.MethodPut, selfLink, map[string]any{"v": 1}, header)
	require.Equal(t, http.StatusBadRequest, status, string(body))
	assert.Contains(t, string(body), "larger than member count")

	header = http.Header{operation.ReplicationQuorumHeader: []string{"most"}}
	status, body = cluster.Write("n1", http.MethodPut, selfLink, map[string]any{"v": 1}, header)
	require.Equal(t, http.StatusBadRequest, status, string(body))
}

func TestOwnerSelection_NotEnoughPeers(t *testing.T) {
	cluster := NewCluster(t, threeNodes, func(c *config.Config) {
		c.Replication.OwnerSelection = true
		c.Cluster.MembershipQuorum = 4
	})
	selfLink := cluster.KeyOwnedBy("n2", true)

	status, body := cluster.Write("n2", http.MethodPut, selfLink, map[string]any{"v": 1}, nil)
	require.Equal(t, http.StatusServiceUnavailable, status, string(body))
	assert.Contains(t, string(body), "not enough peers")
}

func TestOwnerSelection_QuorumOfPeers(t *testing.T) {
	cluster := NewCluster(t, threeNodes, func(c *config.Config) {
		c.Replication.OwnerSelection = true
		c.Cluster.MembershipQuorum = 3
	})
	selfLink := cluster.KeyOwnedBy("n1", true)

	status, body := cluster.Write("n1", http.MethodPut, selfLink, map[string]any{"v": 1}, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	// A quorum of three means every node acknowledged before the reply.
	for _, id := range threeNodes {
		doc := cluster.Stored(id, selfLink)
		require.NotNil(t, doc, "node %s", id)
		assert.Equal(t, int64(1), doc.Version)
	}
}
