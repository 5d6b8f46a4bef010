// Package triagev1 describes the aprs.triage.v1.TriageService gRPC service.
// Messages are google.protobuf.Struct documents whose fields follow the JSON
// shapes of the HTTP API, so no generated message code is needed.
package triagev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "aprs.triage.v1.TriageService"

const (
	TriageMethod                 = "/" + ServiceName + "/Triage"
	GenerateResolutionPlanMethod = "/" + ServiceName + "/GenerateResolutionPlan"
	GetWorkflowMethod            = "/" + ServiceName + "/GetWorkflow"
	ListWorkflowsMethod          = "/" + ServiceName + "/ListWorkflows"
	ListTasksMethod              = "/" + ServiceName + "/ListTasks"
	CancelTaskMethod             = "/" + ServiceName + "/CancelTask"
)

// TriageServiceServer is the server API for TriageService.
type TriageServiceServer interface {
	Triage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GenerateResolutionPlan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListWorkflows(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTasks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedTriageServiceServer can be embedded for forward compatibility.
type UnimplementedTriageServiceServer struct{}

func (UnimplementedTriageServiceServer) Triage(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Triage not implemented")
}

func (UnimplementedTriageServiceServer) GenerateResolutionPlan(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GenerateResolutionPlan not implemented")
}

func (UnimplementedTriageServiceServer) GetWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetWorkflow not implemented")
}

func (UnimplementedTriageServiceServer) ListWorkflows(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListWorkflows not implemented")
}

func (UnimplementedTriageServiceServer) ListTasks(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListTasks not implemented")
}

func (UnimplementedTriageServiceServer) CancelTask(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method CancelTask not implemented")
}

// RegisterTriageServiceServer attaches srv to s.
func RegisterTriageServiceServer(s grpc.ServiceRegistrar, srv TriageServiceServer) {
	s.RegisterService(&TriageService_ServiceDesc, srv)
}

func unaryHandler(method string, call func(TriageServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TriageServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TriageServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TriageService_ServiceDesc is the grpc.ServiceDesc for TriageService.
var TriageService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TriageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Triage", Handler: unaryHandler(TriageMethod, TriageServiceServer.Triage)},
		{MethodName: "GenerateResolutionPlan", Handler: unaryHandler(GenerateResolutionPlanMethod, TriageServiceServer.GenerateResolutionPlan)},
		{MethodName: "GetWorkflow", Handler: unaryHandler(GetWorkflowMethod, TriageServiceServer.GetWorkflow)},
		{MethodName: "ListWorkflows", Handler: unaryHandler(ListWorkflowsMethod, TriageServiceServer.ListWorkflows)},
		{MethodName: "ListTasks", Handler: unaryHandler(ListTasksMethod, TriageServiceServer.ListTasks)},
		{MethodName: "CancelTask", Handler: unaryHandler(CancelTaskMethod, TriageServiceServer.CancelTask)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aprs/triage/v1/triage.proto",
}

// TriageServiceClient is the client API for TriageService.
type TriageServiceClient interface {
	Triage(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GenerateResolutionPlan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListWorkflows(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListTasks(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CancelTask(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type triageServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewTriageServiceClient wraps a client connection.
func NewTriageServiceClient(cc grpc.ClientConnInterface) TriageServiceClient {
	return &triageServiceClient{cc: cc}
}

func (c *triageServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *triageServiceClient) Triage(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, TriageMethod, in, opts)
}

func (c *triageServiceClient) GenerateResolutionPlan(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, GenerateResolutionPlanMethod, in, opts)
}

func (c *triageServiceClient) GetWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, GetWorkflowMethod, in, opts)
}

func (c *triageServiceClient) ListWorkflows(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, ListWorkflowsMethod, in, opts)
}

func (c *triageServiceClient) ListTasks(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, ListTasksMethod, in, opts)
}

func (c *triageServiceClient) CancelTask(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, CancelTaskMethod, in, opts)
}
