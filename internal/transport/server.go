// Package transport serves the control plane: the standard gRPC health
// service (overall and per partition) and connector.v1.Control.
//
//	service connector.v1.Control {
//	  rpc Stats(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Partitions(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}
package transport

import (
	"context"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"connector/internal/scheduler"
)

const (
	ControlService   = "connector.v1.Control"
	statsMethod      = "/connector.v1.Control/Stats"
	partitionsMethod = "/connector.v1.Control/Partitions"
)

// PartitionService is the health service name of one partition.
func PartitionService(partition string) string { return "connector.partition/" + partition }

// StatusSource is satisfied by *scheduler.Scheduler.
type StatusSource interface {
	Status() []scheduler.PartitionStatus
}

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	status StatusSource

	mu sync.Mutex
}

// NewServer registers the services; call Serve or ServeListener to start.
func NewServer(src StatusSource) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		status: src,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.grpc.RegisterService(&controlServiceDesc, controlImpl{s})
	s.health.SetServingStatus(ControlService, healthpb.HealthCheckResponse_SERVING)
	s.Refresh()
	return s
}

// StartServer listens on addr; Serve blocks until Stop.
func StartServer(addr string, src StatusSource) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := NewServer(src)
	s.lis = lis
	return s, nil
}

func (s *Server) Serve() error { return s.grpc.Serve(s.lis) }

func (s *Server) ServeListener(lis net.Listener) error { return s.grpc.Serve(lis) }

func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Refresh publishes the scheduler's partition states to the health
// service. The overall status is SERVING while no partition has failed.
func (s *Server) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	overall := healthpb.HealthCheckResponse_SERVING
	for _, st := range s.status.Status() {
		hs := healthpb.HealthCheckResponse_SERVING
		switch st.State {
		case scheduler.Failed:
			hs = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		case scheduler.Stopped:
			hs = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(PartitionService(st.Partition), hs)
	}
	s.health.SetServingStatus("", overall)
}

// Stop marks every service NOT_SERVING and drains open RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

/* ───────────── connector.v1.Control ───────────── */

type controlServer interface {
	stats(ctx context.Context) (*structpb.Struct, error)
	partitions(ctx context.Context) (*structpb.Struct, error)
}

type controlImpl struct{ s *Server }

func (c controlImpl) stats(context.Context) (*structpb.Struct, error) {
	sts := c.s.status.Status()
	healthy := true
	parts := make([]any, 0, len(sts))
	for _, st := range sts {
		if st.State == scheduler.Failed {
			healthy = false
		}
		parts = append(parts, statusMap(st))
	}
	return structpb.NewStruct(map[string]any{
		"healthy":    healthy,
		"partitions": parts,
	})
}

func (c controlImpl) partitions(context.Context) (*structpb.Struct, error) {
	sts := c.s.status.Status()
	ids := make([]any, 0, len(sts))
	for _, st := range sts {
		ids = append(ids, st.Partition)
	}
	return structpb.NewStruct(map[string]any{"partitions": ids})
}

func statusMap(st scheduler.PartitionStatus) map[string]any {
	d := st.Delivery
	m := map[string]any{
		"partition":             st.Partition,
		"state":                 string(st.State),
		"position":              string(st.Position),
		"committed":             string(st.Committed),
		"polls":                 st.Polls,
		"records":               st.Records,
		"submitted":             d.Submitted,
		"acked":                 d.Acked,
		"dead_lettered_batches": d.DeadLettered,
		"delivered":             d.Delivered,
		"dead_lettered":         d.DeadLetterRecs,
		"attempts":              d.Attempts,
		"retries":               d.Retries,
		"commits":               d.Commits,
		"in_flight":             d.InFlight,
		"unresolved":            d.Unresolved,
	}
	if st.Err != nil {
		m["kind"] = string(st.Kind)
		m["error"] = st.Err.Error()
	}
	return m
}

func unaryHandler(method string, call func(controlServer, context.Context) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(controlServer), ctx)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, _ any) (any, error) {
			return call(srv.(controlServer), ctx)
		}
		return interceptor(ctx, in, info, handler)
	}
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlService,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: unaryHandler(statsMethod, controlServer.stats)},
		{MethodName: "Partitions", Handler: unaryHandler(partitionsMethod, controlServer.partitions)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "connector/v1/control.proto",
}
