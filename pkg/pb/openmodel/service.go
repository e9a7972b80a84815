package openmodelpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "ModzyModel"

	ModzyModel_Status_FullMethodName   = "/ModzyModel/Status"
	ModzyModel_Run_FullMethodName      = "/ModzyModel/Run"
	ModzyModel_Shutdown_FullMethodName = "/ModzyModel/Shutdown"
)

// ModzyModelServer is the server API for the ModzyModel service.
type ModzyModelServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Run(context.Context, *RunRequest) (*RunResponse, error)
	Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error)
}

// UnimplementedModzyModelServer can be embedded to get forward compatible
// implementations.
type UnimplementedModzyModelServer struct{}

func (UnimplementedModzyModelServer) Status(context.Context, *StatusRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}

func (UnimplementedModzyModelServer) Run(context.Context, *RunRequest) (*RunResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Run not implemented")
}

func (UnimplementedModzyModelServer) Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Shutdown not implemented")
}

// RegisterModzyModelServer registers srv on s. The server must be created
// with grpc.ForceServerCodec(Codec{}).
func RegisterModzyModelServer(s grpc.ServiceRegistrar, srv ModzyModelServer) {
	s.RegisterService(&ModzyModel_ServiceDesc, srv)
}

func _ModzyModel_Status_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModzyModelServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ModzyModel_Status_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ModzyModelServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ModzyModel_Run_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModzyModelServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ModzyModel_Run_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ModzyModelServer).Run(ctx, req.(*RunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ModzyModel_Shutdown_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ShutdownRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModzyModelServer).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ModzyModel_Shutdown_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ModzyModelServer).Shutdown(ctx, req.(*ShutdownRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ModzyModel_ServiceDesc is the grpc.ServiceDesc for the ModzyModel service.
var ModzyModel_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ModzyModelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: _ModzyModel_Status_Handler},
		{MethodName: "Run", Handler: _ModzyModel_Run_Handler},
		{MethodName: "Shutdown", Handler: _ModzyModel_Shutdown_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: ProtoFile,
}

// ModzyModelClient is the client API for the ModzyModel service.
type ModzyModelClient interface {
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	Run(ctx context.Context, in *RunRequest, opts ...grpc.CallOption) (*RunResponse, error)
	Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*ShutdownResponse, error)
}

type modzyModelClient struct {
	cc grpc.ClientConnInterface
}

func NewModzyModelClient(cc grpc.ClientConnInterface) ModzyModelClient {
	return &modzyModelClient{cc: cc}
}

func (c *modzyModelClient) callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
}

func (c *modzyModelClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.cc.Invoke(ctx, ModzyModel_Status_FullMethodName, in, out, c.callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *modzyModelClient) Run(ctx context.Context, in *RunRequest, opts ...grpc.CallOption) (*RunResponse, error) {
	out := new(RunResponse)
	if err := c.cc.Invoke(ctx, ModzyModel_Run_FullMethodName, in, out, c.callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *modzyModelClient) Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*ShutdownResponse, error) {
	out := new(ShutdownResponse)
	if err := c.cc.Invoke(ctx, ModzyModel_Shutdown_FullMethodName, in, out, c.callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}
