package membership

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"docstore/internal/encoding"
)

// ClientManager caches one gRPC connection per peer address.
type ClientManager struct {
	localID  string
	compress bool

	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

// NewClientManager creates a client manager. When compress is set, calls use
// the zstd compressor, which must already be registered.
func NewClientManager(localID string, compress bool) *ClientManager {
	return &ClientManager{
		localID:  localID,
		compress: compress,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (cm *ClientManager) conn(addr string) (*grpc.ClientConn, error) {
	cm.mu.RLock()
	conn, exists := cm.conns[addr]
	cm.mu.RUnlock()
	if exists {
		return conn, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn, exists := cm.conns[addr]; exists {
		return conn, nil
	}

	callOpts := []grpc.CallOption{grpc.CallContentSubtype(encoding.CodecName)}
	if cm.compress {
		callOpts = append(callOpts, grpc.UseCompressor(encoding.CompressorName))
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	cm.conns[addr] = conn
	return conn, nil
}

// Probe pings target with the local view and returns the view it replies with.
func (cm *ClientManager) Probe(ctx context.Context, target *NodeState, view []*NodeState) ([]*NodeState, error) {
	conn, err := cm.conn(target.Addr())
	if err != nil {
		return nil, err
	}
	req := &PingRequest{FromID: cm.localID, Members: toWire(view)}
	resp := new(PingResponse)
	if err := conn.Invoke(ctx, pingMethod, req, resp); err != nil {
		return nil, fmt.Errorf("ping %s: %w", target.ID, err)
	}
	return fromWire(resp.Members), nil
}

// Gossip exchanges views with target.
func (cm *ClientManager) Gossip(ctx context.Context, target *NodeState, view []*NodeState) ([]*NodeState, error) {
	conn, err := cm.conn(target.Addr())
	if err != nil {
		return nil, err
	}
	req := &GossipRequest{FromID: cm.localID, Members: toWire(view)}
	resp := new(GossipResponse)
	if err := conn.Invoke(ctx, gossipMethod, req, resp); err != nil {
		return nil, fmt.Errorf("gossip %s: %w", target.ID, err)
	}
	return fromWire(resp.Members), nil
}

// Close closes every cached connection.
func (cm *ClientManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for addr, conn := range cm.conns {
		_ = conn.Close()
		delete(cm.conns, addr)
	}
}
