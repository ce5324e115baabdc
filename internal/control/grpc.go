package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/haqury/helpy"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ControlServiceName is the fully qualified gRPC service name
const ControlServiceName = "visionsensor.Control"

const commandMethod = "/" + ControlServiceName + "/Command"

// ControlServer is the server API for the Control service. Requests and
// replies are the JSON command envelopes carried as google.protobuf.Struct.
type ControlServer interface {
	Command(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Command",
			Handler:    commandHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "visionsensor/control.proto",
}

func commandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Command(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: commandMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Command(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterControlServer registers srv on s
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// controlService adapts the channel to the gRPC Control service
type controlService struct {
	channel *Channel
}

func (s *controlService) Command(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	data, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	resp := s.channel.Handle(data)
	if resp.CaptureRegion != nil {
		return toStruct(resp)
	}
	return ackStruct(resp.Ack())
}

func ackStruct(ack *helpy.ApiResponse) (*structpb.Struct, error) {
	data, err := protojson.Marshal(ack)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

// GRPCServer serves the command channel over gRPC
type GRPCServer struct {
	addr   string
	server *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewGRPCServer creates a gRPC control server with the standard health
// service registered next to Control
func NewGRPCServer(addr string, channel *Channel, logger *zap.Logger) *GRPCServer {
	logger = logger.Named("control.grpc")

	server := grpc.NewServer(
		grpc.UnaryInterceptor(loggingInterceptor(logger)),
		grpc.MaxRecvMsgSize(MaxLineSize),
	)
	RegisterControlServer(server, &controlService{channel: channel})

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ControlServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return &GRPCServer{
		addr:   addr,
		server: server,
		health: healthServer,
		logger: logger,
	}
}

// Listen binds the gRPC socket
func (s *GRPCServer) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return ln, nil
}

// Serve blocks serving ln until Shutdown
func (s *GRPCServer) Serve(ln net.Listener) error {
	s.logger.Info("gRPC control listening", zap.String("address", ln.Addr().String()))
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown stops accepting calls and waits for in-flight ones, falling back
// to a hard stop when ctx expires
func (s *GRPCServer) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("gRPC call",
			zap.String("method", info.FullMethod),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err))
		return resp, err
	}
}

// GRPCClient calls the Control service
type GRPCClient struct {
	cc grpc.ClientConnInterface
}

// NewGRPCClient wraps an established connection
func NewGRPCClient(cc grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{cc: cc}
}

// Do sends one request
func (c *GRPCClient) Do(ctx context.Context, req Request, opts ...grpc.CallOption) (Response, error) {
	in, err := toStruct(req)
	if err != nil {
		return Response{}, err
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, commandMethod, in, out, opts...); err != nil {
		return Response{}, err
	}

	data, err := protojson.Marshal(out)
	if err != nil {
		return Response{}, fmt.Errorf("decode reply: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode reply: %w", err)
	}
	return resp, nil
}
