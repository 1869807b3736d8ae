package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ManagerServiceName = "svcmgr.Manager"
	DaemonServiceName  = "svcmgr.Daemon"

	bitrotMethod    = "/" + ManagerServiceName + "/Bitrot"
	statusMethod    = "/" + ManagerServiceName + "/Status"
	fetchSpecMethod = "/" + DaemonServiceName + "/FetchSpec"
)

// managerServer is the server side of svcmgr.Manager
type managerServer interface {
	Bitrot(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, request *emptypb.Empty) (*structpb.Struct, error)
}

// daemonServer is the server side of svcmgr.Daemon
type daemonServer interface {
	FetchSpec(ctx context.Context, request *emptypb.Empty) (*emptypb.Empty, error)
}

var managerServiceDesc = grpc.ServiceDesc{
	ServiceName: ManagerServiceName,
	HandlerType: (*managerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Bitrot", Handler: managerBitrotHandler},
		{MethodName: "Status", Handler: managerStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "svcmgr.proto",
}

var daemonServiceDesc = grpc.ServiceDesc{
	ServiceName: DaemonServiceName,
	HandlerType: (*daemonServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchSpec", Handler: daemonFetchSpecHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "svcmgr.proto",
}

func managerBitrotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managerServer).Bitrot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: bitrotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managerServer).Bitrot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func managerStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(managerServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(managerServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func daemonFetchSpecHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(daemonServer).FetchSpec(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchSpecMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(daemonServer).FetchSpec(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
