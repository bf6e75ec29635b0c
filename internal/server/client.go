package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// BatchClient calls receipty.v1.BatchService over a client connection.
type BatchClient struct {
	cc grpc.ClientConnInterface
}

func NewBatchClient(cc grpc.ClientConnInterface) *BatchClient {
	return &BatchClient{cc: cc}
}

func (c *BatchClient) StartBatch(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StartBatchMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BatchClient) GetBatchRun(ctx context.Context, runID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"run_id": runID})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetBatchRunMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListReceipts takes the filter as plain fields: status, user_id, from_date, to_date, limit, include_items.
func (c *BatchClient) ListReceipts(ctx context.Context, filter map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(filter)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListReceiptsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BatchClient) ResetReceipt(ctx context.Context, receiptID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ResetReceiptMethod, wrapperspb.String(receiptID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BatchClient) ExportReceipts(ctx context.Context, opts ...grpc.CallOption) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, ExportReceiptsMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}
