package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "sortline.v1.SignalService"

const (
	methodScan      = "/" + ServiceName + "/Scan"
	methodPhotoEye  = "/" + ServiceName + "/PhotoEye"
	methodForget    = "/" + ServiceName + "/Forget"
	methodListItems = "/" + ServiceName + "/ListItems"
	methodWatch     = "/" + ServiceName + "/Watch"
)

// SignalServer is the server API for sortline.v1.SignalService.
type SignalServer interface {
	Scan(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	PhotoEye(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
	Forget(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListItems(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

// RegisterSignalServer registers srv on s.
func RegisterSignalServer(s grpc.ServiceRegistrar, srv SignalServer) {
	s.RegisterService(&SignalServiceDesc, srv)
}

// SignalServiceDesc is the grpc.ServiceDesc for sortline.v1.SignalService.
var SignalServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SignalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Scan", Handler: scanHandler},
		{MethodName: "PhotoEye", Handler: photoEyeHandler},
		{MethodName: "Forget", Handler: forgetHandler},
		{MethodName: "ListItems", Handler: listItemsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "sortline/v1/signal.proto",
}

func scanHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignalServer).Scan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodScan}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SignalServer).Scan(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func photoEyeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignalServer).PhotoEye(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPhotoEye}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SignalServer).PhotoEye(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func forgetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignalServer).Forget(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodForget}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SignalServer).Forget(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listItemsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignalServer).ListItems(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListItems}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SignalServer).ListItems(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SignalServer).Watch(in, stream)
}
