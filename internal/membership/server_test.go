package membership

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestServer_ProbeAndGossipOverGRPC(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	remote := NewGroup(&NodeState{
		ID:             "remote",
		GroupReference: ref(t, "http://"+lis.Addr().String()),
		Options:        OptionPeer,
	}, time.Second, 3*time.Second)
	remote.AddSeedMembers([]*NodeState{{ID: "local", GroupReference: ref(t, "http://127.0.0.1:8000")}})
	remote.MarkUnavailable("local")

	s := grpc.NewServer()
	Register(s, NewServer(remote))
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	local := newTestGroup(t)
	cm := NewClientManager("local", false)
	t.Cleanup(cm.Close)

	target := &NodeState{ID: "remote", GroupReference: ref(t, "http://"+lis.Addr().String())}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	view, err := cm.Probe(ctx, target, []*NodeState{local.Snapshot().Nodes["local"]})
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, remote.Snapshot().Nodes["local"].Status, "ping marks the sender available")

	local.ApplyGossip(view)
	assert.Contains(t, local.Snapshot().Nodes, "remote")

	view, err = cm.Gossip(ctx, target, []*NodeState{
		{ID: "third", GroupReference: ref(t, "http://127.0.0.1:8003"), Options: OptionObserver, Incarnation: 1},
	})
	require.NoError(t, err)
	third := remote.Snapshot().Nodes["third"]
	require.NotNil(t, third)
	assert.True(t, third.Options.Has(OptionObserver))

	ids := make([]string, 0, len(view))
	for _, n := range view {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"remote", "local", "third"}, ids)
}
