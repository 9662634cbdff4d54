package membership

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

const (
	serviceName  = "docstore.Membership"
	pingMethod   = "/" + serviceName + "/Ping"
	gossipMethod = "/" + serviceName + "/Gossip"
)

// MembershipServer is the server side of the membership service.
type MembershipServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	Gossip(context.Context, *GossipRequest) (*GossipResponse, error)
}

// Server answers probes and gossip from other nodes.
type Server struct {
	group *Group
}

// NewServer creates a membership server backed by group.
func NewServer(group *Group) *Server {
	return &Server{group: group}
}

// Register adds the membership service to s. Requests must use the msgpack
// codec content-subtype.
func Register(s *grpc.Server, srv MembershipServer) {
	s.RegisterService(&serviceDesc, srv)
}

func (s *Server) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	s.group.MarkAvailable(req.FromID)
	if len(req.Members) > 0 {
		s.group.ApplyGossip(fromWire(req.Members))
	}

	return &PingResponse{
		ResponderID: s.group.LocalID(),
		TimestampMs: time.Now().UnixMilli(),
		Members:     toWire(s.group.view()),
	}, nil
}

func (s *Server) Gossip(ctx context.Context, req *GossipRequest) (*GossipResponse, error) {
	log.Debug().Str("node", s.group.LocalID()).Str("from", req.FromID).Int("members", len(req.Members)).Msg("Received gossip")

	s.group.ApplyGossip(fromWire(req.Members))

	return &GossipResponse{
		ResponderID: s.group.LocalID(),
		Members:     toWire(s.group.view()),
	}, nil
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PingRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MembershipServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MembershipServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func gossipHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GossipRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MembershipServer).Gossip(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gossipMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MembershipServer).Gossip(ctx, req.(*GossipRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MembershipServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "Gossip", Handler: gossipHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "docstore/membership",
}
