package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"docstore/internal/client"
	"docstore/internal/config"
	"docstore/internal/document"
	"docstore/internal/encoding"
	"docstore/internal/membership"
	"docstore/internal/operation"
	"docstore/internal/replication"
	"docstore/internal/selector"
	"docstore/internal/storage"
	"docstore/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Host is a single document store node.
type Host struct {
	cfg  *config.Config
	id   string
	self *membership.NodeState

	listener net.Listener
	mux      cmux.CMux
	httpSrv  *http.Server
	grpcSrv  *grpc.Server

	group      *membership.Group
	members    *membership.ClientManager
	selector   *selector.Selector
	store      storage.Store
	client     *client.ServiceClient
	replicator *replication.Replicator
	options    document.ServiceOption

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New listens on cfg.Cluster.ListenAddress and creates the node.
func New(cfg *config.Config) (*Host, error) {
	lis, err := net.Listen("tcp", cfg.Cluster.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Cluster.ListenAddress, err)
	}
	h, err := NewWithListener(cfg, lis)
	if err != nil {
		_ = lis.Close()
		return nil, err
	}
	return h, nil
}

// NewWithListener creates the node on an existing listener, which the host
// takes ownership of.
func NewWithListener(cfg *config.Config, lis net.Listener) (*Host, error) {
	peers, err := cfg.PeerList()
	if err != nil {
		return nil, err
	}

	advertise, err := advertiseAddress(cfg.Cluster.AdvertiseAddress, lis.Addr())
	if err != nil {
		return nil, err
	}

	self := &membership.NodeState{
		ID:               cfg.NodeID,
		GroupReference:   &url.URL{Scheme: cfg.Cluster.Scheme, Host: advertise},
		Options:          membership.OptionPeer,
		Status:           membership.StatusAvailable,
		MembershipQuorum: cfg.Cluster.MembershipQuorum,
	}
	if cfg.Cluster.Observer {
		self.Options = membership.OptionObserver
	}

	dataDir := cfg.DataDir
	if dataDir != "" {
		dataDir = filepath.Join(dataDir, cfg.NodeID)
	}
	store, err := storage.Open(cfg.Storage.Engine, dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	sel, err := selector.New(cfg.NodeID, cfg.Replication.VirtualNodes, cfg.Replication.ReplicationFactor, cfg.Replication.SelectionCacheSize)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create selector: %w", err)
	}

	sc := client.New(client.Config{
		MaxConnsPerHost: map[string]int{
			operation.ConnectionTagReplication: cfg.Client.ReplicationMaxConnsPerHost,
		},
		DefaultMaxConnsPerHost: cfg.Client.DefaultMaxConnsPerHost,
		DialTimeout:            time.Duration(cfg.Client.DialTimeoutMS) * time.Millisecond,
		RetryBackoff:           time.Duration(cfg.Client.RetryBackoffMS) * time.Millisecond,
		RequestTimeout:         cfg.OperationTimeout(),
	})

	h := &Host{
		cfg:        cfg,
		id:         cfg.NodeID,
		self:       self,
		listener:   lis,
		group:      membership.NewGroup(self, cfg.ProbeInterval(), cfg.SuspectTimeout()),
		members:    membership.NewClientManager(cfg.NodeID, encoding.RegisterZstdCompressor(cfg.Cluster.CompressionLevel)),
		selector:   sel,
		store:      store,
		client:     sc,
		replicator: replication.NewReplicator(cfg.NodeID, sc),
	}
	if cfg.Replication.Enabled {
		h.options |= document.OptionReplication
	}
	if cfg.Replication.OwnerSelection {
		h.options |= document.OptionOwnerSelection
	}

	h.group.SetOnChange(h.onGroupChange)
	h.group.AddSeedMembers(seedNodes(peers, cfg))
	h.onGroupChange(h.group.Snapshot())

	h.grpcSrv = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	membership.Register(h.grpcSrv, membership.NewServer(h.group))

	h.httpSrv = &http.Server{
		Handler:           h.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return h, nil
}

// seedNodes converts configured peers into group members. The local node is
// skipped by the group itself.
func seedNodes(peers []config.Peer, cfg *config.Config) []*membership.NodeState {
	seeds := make([]*membership.NodeState, 0, len(peers))
	for _, p := range peers {
		n := &membership.NodeState{
			ID:               p.ID,
			GroupReference:   &url.URL{Scheme: cfg.Cluster.Scheme, Host: p.Addr},
			Options:          membership.OptionPeer,
			Status:           membership.StatusAvailable,
			MembershipQuorum: cfg.Cluster.MembershipQuorum,
		}
		if p.Observer {
			n.Options = membership.OptionObserver
		}
		seeds = append(seeds, n)
	}
	return seeds
}

// advertiseAddress picks the address peers use to reach this node. An
// unspecified listen host is replaced with the hostname.
func advertiseAddress(configured string, actual net.Addr) (string, error) {
	if configured != "" {
		return configured, nil
	}
	host, port, err := net.SplitHostPort(actual.String())
	if err != nil {
		return "", fmt.Errorf("invalid listener address %s: %w", actual, err)
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("cannot determine advertise address: %w", err)
		}
		host = hostname
	}
	return net.JoinHostPort(host, port), nil
}

func (h *Host) onGroupChange(g *membership.GroupState) {
	h.selector.UpdateGroup(g)
	telemetry.MembershipSize.Set(float64(g.MemberCount()))
	telemetry.MembershipUnavailable.Set(float64(g.UnavailableCount()))
}

// Start serves HTTP and gRPC on the listener and starts gossip when enabled.
// It returns immediately.
func (h *Host) Start() error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("host already started")
	}

	h.mux = cmux.New(h.listener)
	httpL := h.mux.Match(cmux.HTTP1Fast(http.MethodPatch))
	grpcL := h.mux.Match(cmux.Any())

	h.serve("http", func() error { return h.httpSrv.Serve(httpL) })
	h.serve("grpc", func() error { return h.grpcSrv.Serve(grpcL) })
	h.serve("cmux", h.mux.Serve)

	if h.cfg.Cluster.GossipEnabled {
		h.group.Start(h.members.Probe, h.members.Gossip)
		log.Info().Str("node", h.id).Msg("Started gossip membership")
	}

	log.Info().
		Str("node", h.id).
		Str("listen", h.listener.Addr().String()).
		Stringer("advertise", h.self.GroupReference).
		Stringer("options", h.options).
		Msg("Document store node started")
	return nil
}

func (h *Host) serve(name string, fn func() error) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := fn(); err != nil && !h.stopping.Load() {
			log.Error().Str("node", h.id).Str("server", name).Err(err).Msg("Server failed")
		}
	}()
}

// Stop shuts the node down and releases the store.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		log.Info().Str("node", h.id).Msg("Stopping node")

		if h.started.Load() {
			if h.cfg.Cluster.GossipEnabled {
				h.group.Stop()
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := h.httpSrv.Shutdown(ctx); err != nil {
				log.Warn().Str("node", h.id).Err(err).Msg("HTTP shutdown incomplete")
			}
			cancel()
			h.grpcSrv.Stop()
			h.mux.Close()
		}
		_ = h.listener.Close()
		h.wg.Wait()

		h.members.Close()
		h.client.Close()
		if err := h.store.Close(); err != nil {
			log.Warn().Str("node", h.id).Err(err).Msg("Failed to close store")
		}
	})
}

// ID returns the node ID.
func (h *Host) ID() string {
	return h.id
}

// Addr returns the advertised host:port.
func (h *Host) Addr() string {
	return h.self.GroupReference.Host
}

// URL returns the base URL of the node.
func (h *Host) URL() *url.URL {
	u := *h.self.GroupReference
	return &u
}

func (h *Host) Group() *membership.Group {
	return h.group
}

func (h *Host) Store() storage.Store {
	return h.store
}

func (h *Host) Selector() *selector.Selector {
	return h.selector
}
