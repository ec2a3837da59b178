// Package rpc exposes the context engine over gRPC. Requests and replies are
// google.protobuf.Struct values, so the service needs no generated code: the
// descriptor below is what protoc-gen-go-grpc would emit for it.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "ollm.context.v1.ContextService"

const (
	MethodOpenSession     = "OpenSession"
	MethodCloseSession    = "CloseSession"
	MethodAddMessage      = "AddMessage"
	MethodCompress        = "Compress"
	MethodResize          = "Resize"
	MethodUsage           = "Usage"
	MethodCreateSnapshot  = "CreateSnapshot"
	MethodRestoreSnapshot = "RestoreSnapshot"
	MethodListSnapshots   = "ListSnapshots"
	MethodMemory          = "Memory"
	MethodStatus          = "Status"
	MethodShutdown        = "Shutdown"
	MethodRun             = "Run"
	MethodEvents          = "Events"
)

// ContextServiceServer is implemented by *Server.
type ContextServiceServer interface {
	OpenSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Compress(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Usage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RestoreSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSnapshots(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Memory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Shutdown(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Run(*structpb.Struct, grpc.ServerStream) error
	Events(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(ContextServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}

			service := srv.(ContextServiceServer)
			if interceptor == nil {
				return call(service, ctx, in)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(service, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type streamFunc func(ContextServiceServer, *structpb.Struct, grpc.ServerStream) error

func serverStream(name string, call streamFunc) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(ContextServiceServer), in, stream)
		},
	}
}

// ServiceDesc describes ollm.context.v1.ContextService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ContextServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodOpenSession, ContextServiceServer.OpenSession),
		unary(MethodCloseSession, ContextServiceServer.CloseSession),
		unary(MethodAddMessage, ContextServiceServer.AddMessage),
		unary(MethodCompress, ContextServiceServer.Compress),
		unary(MethodResize, ContextServiceServer.Resize),
		unary(MethodUsage, ContextServiceServer.Usage),
		unary(MethodCreateSnapshot, ContextServiceServer.CreateSnapshot),
		unary(MethodRestoreSnapshot, ContextServiceServer.RestoreSnapshot),
		unary(MethodListSnapshots, ContextServiceServer.ListSnapshots),
		unary(MethodMemory, ContextServiceServer.Memory),
		unary(MethodStatus, ContextServiceServer.Status),
		unary(MethodShutdown, ContextServiceServer.Shutdown),
	},
	Streams: []grpc.StreamDesc{
		serverStream(MethodRun, ContextServiceServer.Run),
		serverStream(MethodEvents, ContextServiceServer.Events),
	},
	Metadata: "ollm/context/v1/context.proto",
}

func RegisterContextServiceServer(registrar grpc.ServiceRegistrar, srv ContextServiceServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func streamDesc(name string) *grpc.StreamDesc {
	for i := range ServiceDesc.Streams {
		if ServiceDesc.Streams[i].StreamName == name {
			return &ServiceDesc.Streams[i]
		}
	}
	return nil
}
