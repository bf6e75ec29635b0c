package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "receipty.v1.BatchService"

const (
	StartBatchMethod     = "/" + ServiceName + "/StartBatch"
	GetBatchRunMethod    = "/" + ServiceName + "/GetBatchRun"
	ListReceiptsMethod   = "/" + ServiceName + "/ListReceipts"
	ResetReceiptMethod   = "/" + ServiceName + "/ResetReceipt"
	ExportReceiptsMethod = "/" + ServiceName + "/ExportReceipts"
)

// BatchServiceServer is the server API for receipty.v1.BatchService.
// Messages are protobuf well-known types so no generated code is needed.
type BatchServiceServer interface {
	StartBatch(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetBatchRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListReceipts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetReceipt(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ExportReceipts(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
}

func RegisterBatchServiceServer(s grpc.ServiceRegistrar, srv BatchServiceServer) {
	s.RegisterService(&BatchServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc.MethodDesc.
func unaryHandler[Req any, PReq interface{ *Req }, Resp any](fullMethod string, call func(BatchServiceServer, context.Context, PReq) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BatchServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BatchServiceServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var BatchServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BatchServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StartBatch",
			Handler:    unaryHandler(StartBatchMethod, BatchServiceServer.StartBatch),
		},
		{
			MethodName: "GetBatchRun",
			Handler:    unaryHandler(GetBatchRunMethod, BatchServiceServer.GetBatchRun),
		},
		{
			MethodName: "ListReceipts",
			Handler:    unaryHandler(ListReceiptsMethod, BatchServiceServer.ListReceipts),
		},
		{
			MethodName: "ResetReceipt",
			Handler:    unaryHandler(ResetReceiptMethod, BatchServiceServer.ResetReceipt),
		},
		{
			MethodName: "ExportReceipts",
			Handler:    unaryHandler(ExportReceiptsMethod, BatchServiceServer.ExportReceipts),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "receipty/v1/batch.proto",
}
