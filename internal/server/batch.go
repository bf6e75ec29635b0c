package server

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/receipty/receipty/constants"
	"github.com/receipty/receipty/internal/common"
	"github.com/receipty/receipty/internal/entity"
	"github.com/receipty/receipty/internal/export"
	"github.com/receipty/receipty/internal/repository"
	"github.com/receipty/receipty/internal/runs"
)

const (
	dateLayout   = "2006-01-02"
	maxStatusLen = 32
	maxUUIDLen   = 36
)

// Batches starts and looks up batch runs. *async.BatchRunner satisfies it.
type Batches interface {
	Trigger(ctx context.Context) (string, error)
	Get(ctx context.Context, runID string) (*runs.Run, error)
}

// Receipts is the read and reset surface of the receipt store.
type Receipts interface {
	List(ctx context.Context, filter repository.ListFilter) ([]*entity.Receipt, error)
	ListItems(ctx context.Context, receiptID uuid.UUID) ([]entity.Item, error)
	ResetFailed(ctx context.Context, id uuid.UUID) error
}

type Exporter interface {
	ExportXLSX(ctx context.Context, filter export.Filter) ([]byte, error)
}

type BatchServer struct {
	batches  Batches
	receipts Receipts
	exporter Exporter
	logger   *zap.Logger
}

func NewBatchServer(batches Batches, receipts Receipts, exporter Exporter, logger *zap.Logger) *BatchServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchServer{batches: batches, receipts: receipts, exporter: exporter, logger: logger}
}

var _ BatchServiceServer = (*BatchServer)(nil)

func (s *BatchServer) StartBatch(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	runID, err := s.batches.Trigger(ctx)
	if err != nil {
		s.logger.Error("start batch failed", zap.Error(err))
		return nil, toStatus(err)
	}
	s.logger.Info("batch started", zap.String("run_id", runID))
	return structpb.NewStruct(map[string]any{
		"run_id": runID,
		"status": string(runs.StatusRunning),
	})
}

func (s *BatchServer) GetBatchRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID := strings.TrimSpace(stringField(req, "run_id"))
	if err := common.ValidateAndReturnError(common.NewValidator().Field("run_id", runID, common.Required, common.UUID)); err != nil {
		return nil, err
	}

	run, err := s.batches.Get(ctx, runID)
	if err != nil {
		s.logger.Warn("get batch run failed", zap.String("run_id", runID), zap.Error(err))
		return nil, toStatus(err)
	}
	return structpb.NewStruct(runFields(run))
}

func (s *BatchServer) ListReceipts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	statusStr := strings.TrimSpace(stringField(req, "status"))
	userStr := strings.TrimSpace(stringField(req, "user_id"))
	fromStr := strings.TrimSpace(stringField(req, "from_date"))
	toStr := strings.TrimSpace(stringField(req, "to_date"))
	v := common.NewValidator().
		Field("status", statusStr, common.MaxLength(maxStatusLen), common.OneOf(constants.StatusStrings()...)).
		Field("from_date", fromStr, common.MaxLength(len(dateLayout))).
		Field("to_date", toStr, common.MaxLength(len(dateLayout)))
	if userStr != "" {
		v.Field("user_id", userStr, common.MaxLength(maxUUIDLen), common.UUID)
	}
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}

	filter := repository.ListFilter{Status: constants.ReceiptStatus(statusStr)}
	if userStr != "" {
		filter.UserID = uuid.MustParse(userStr)
	}
	var err error
	if filter.FromDate, err = parseDate("from_date", fromStr); err != nil {
		return nil, err
	}
	if filter.ToDate, err = parseDate("to_date", toStr); err != nil {
		return nil, err
	}
	if limit := numberField(req, "limit"); limit > 0 {
		filter.Limit = int(limit)
	}
	withItems := boolField(req, "include_items")

	recs, err := s.receipts.List(ctx, filter)
	if err != nil {
		s.logger.Error("failed to list receipts", zap.String("status", statusStr), zap.Error(err))
		return nil, toStatus(err)
	}

	out := make([]any, 0, len(recs))
	for _, r := range recs {
		fields := receiptFields(r)
		if withItems {
			items, err := s.receipts.ListItems(ctx, r.ID)
			if err != nil {
				s.logger.Error("failed to list items", zap.String("receipt_id", r.ID.String()), zap.Error(err))
				return nil, toStatus(err)
			}
			fields["items"] = itemValues(items)
		}
		out = append(out, fields)
	}
	s.logger.Debug("receipts listed", zap.Int("count", len(out)))
	return structpb.NewStruct(map[string]any{"receipts": out})
}

func (s *BatchServer) ResetReceipt(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	idStr := strings.TrimSpace(req.GetValue())
	if err := common.ValidateAndReturnError(common.NewValidator().Field("receipt_id", idStr, common.Required, common.UUID)); err != nil {
		return nil, err
	}
	id := uuid.MustParse(idStr)

	if err := s.receipts.ResetFailed(ctx, id); err != nil {
		s.logger.Warn("reset receipt failed", zap.String("receipt_id", idStr), zap.Error(err))
		return nil, toStatus(err)
	}
	s.logger.Info("receipt reset", zap.String("receipt_id", idStr))
	return structpb.NewStruct(map[string]any{
		"receipt_id": idStr,
		"status":     string(constants.StatusPending),
	})
}

func (s *BatchServer) ExportReceipts(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	xlsx, err := s.exporter.ExportXLSX(ctx, export.Filter{})
	if err != nil {
		s.logger.Error("export.xlsx.failed", zap.Error(err))
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(xlsx), nil
}

func runFields(run *runs.Run) map[string]any {
	failures := make([]any, 0, len(run.Summary.Failures))
	for _, f := range run.Summary.Failures {
		failures = append(failures, map[string]any{
			"receipt_id": f.ReceiptID,
			"stage":      f.Stage,
			"message":    f.Message,
		})
	}
	out := map[string]any{
		"run_id":     run.ID,
		"status":     string(run.Status),
		"attempted":  run.Summary.Attempted,
		"succeeded":  run.Summary.Succeeded,
		"failed":     run.Summary.Failed(),
		"skipped":    run.Summary.Skipped,
		"failures":   failures,
		"started_at": run.StartedAt.Format(time.RFC3339Nano),
	}
	if run.FinishedAt != nil {
		out["finished_at"] = run.FinishedAt.Format(time.RFC3339Nano)
	}
	if run.Error != "" {
		out["error"] = run.Error
	}
	return out
}

// receiptFields renders a receipt. Amounts are strings so no precision is lost.
func receiptFields(r *entity.Receipt) map[string]any {
	out := map[string]any{
		"id":         r.ID.String(),
		"user_id":    r.UserID.String(),
		"status":     string(r.Status),
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": r.UpdatedAt.Format(time.RFC3339Nano),
	}
	if r.Merchant != nil {
		out["merchant"] = *r.Merchant
	}
	if r.ReceiptDate != nil {
		out["receipt_date"] = r.ReceiptDate.Format(dateLayout)
	}
	if r.TotalAmount != nil {
		out["total_amount"] = r.TotalAmount.StringFixed(2)
	}
	return out
}

func itemValues(items []entity.Item) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]any{
			"name":       it.Name,
			"price":      it.Price.String(),
			"quantity":   it.Quantity,
			"category":   string(it.Category),
			"line_total": it.LineTotal().StringFixed(2),
		})
	}
	return out
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func parseDate(key, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, common.InvalidArgumentErrorf("%s invalid (YYYY-MM-DD): %v", key, err)
	}
	return &t, nil
}
