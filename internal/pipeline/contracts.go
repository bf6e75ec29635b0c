package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/receipty/receipty/internal/entity"
	"github.com/receipty/receipty/internal/extract"
	"github.com/receipty/receipty/internal/repository"
)

// Receipts is the store surface the pipeline needs.
type Receipts interface {
	ListPending(ctx context.Context) ([]*entity.Receipt, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Receipt, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, fields repository.ProcessedFields, items []entity.Item) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

// Attempts records per-attempt diagnostics. Optional.
type Attempts interface {
	Start(ctx context.Context, receiptID uuid.UUID, runID string, attempt int, model string) (uuid.UUID, error)
	FinishSuccess(ctx context.Context, jobID uuid.UUID, raw []byte) error
	FinishFailure(ctx context.Context, jobID uuid.UUID, stage, message string, raw []byte) error
}

// Validator turns raw tool arguments into a reconciled extraction.
type Validator interface {
	Validate(raw []byte) (*extract.StructuredExtraction, error)
	Schema() map[string]any
}
