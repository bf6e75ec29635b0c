package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/receipty/receipty/internal/common"
)

// ReceiptFailure is the per-receipt detail of a failed receipt in a run.
type ReceiptFailure struct {
	ReceiptID string `json:"receipt_id"`
	Stage     string `json:"stage"`
	Message   string `json:"message"`
}

// Summary is the outcome of one batch run. Skipped counts receipts another
// run claimed first; they are not attempted.
type Summary struct {
	RunID      string           `json:"run_id"`
	Attempted  int              `json:"attempted"`
	Succeeded  int              `json:"succeeded"`
	Skipped    int              `json:"skipped"`
	Failures   []ReceiptFailure `json:"failures,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

func (s Summary) Failed() int {
	return s.Attempted - s.Succeeded
}

// Orchestrator runs batches: fetch pending receipts once, then claim and process
// them one at a time in fetch order.
type Orchestrator struct {
	receipts  Receipts
	processor *Processor
	logger    *zap.Logger
}

func NewOrchestrator(receipts Receipts, processor *Processor, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{receipts: receipts, processor: processor, logger: logger}
}

// Run processes every receipt that is pending when the run starts.
// A fetch failure aborts the run before any receipt is touched. Cancelling ctx
// stops the run before the next claim; the summary so far is returned with ctx's error.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	runID := common.RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.New().String()
		ctx = common.WithRunID(ctx, runID)
	}
	summary := Summary{RunID: runID, StartedAt: time.Now().UTC()}
	log := o.logger.With(zap.String("run_id", runID))

	pending, err := o.receipts.ListPending(ctx)
	if err != nil {
		log.Error("batch.fetch.failed", zap.Error(err))
		summary.FinishedAt = time.Now().UTC()
		return summary, common.FetchFailure(err)
	}
	log.Info("batch.run.start", zap.Int("pending", len(pending)))

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			log.Warn("batch.run.cancelled", zap.Int("attempted", summary.Attempted), zap.Error(err))
			summary.FinishedAt = time.Now().UTC()
			return summary, err
		}

		ok, err := o.receipts.Claim(ctx, rec.ID)
		if err != nil {
			// still pending; a later run can pick it up
			summary.Attempted++
			summary.Failures = append(summary.Failures, failureOf(rec.ID.String(),
				common.PersistenceFailure(rec.ID.String(), fmt.Errorf("claim: %w", err))))
			log.Error("batch.claim.failed", zap.String("receipt_id", rec.ID.String()), zap.Error(err))
			continue
		}
		if !ok {
			summary.Skipped++
			log.Info("batch.claim.skipped", zap.String("receipt_id", rec.ID.String()))
			continue
		}

		summary.Attempted++
		if err := o.processor.Process(ctx, rec); err != nil {
			summary.Failures = append(summary.Failures, failureOf(rec.ID.String(), err))
			continue
		}
		summary.Succeeded++
	}

	summary.FinishedAt = time.Now().UTC()
	log.Info("batch.run.done",
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed()),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)
	return summary, nil
}

func failureOf(receiptID string, err error) ReceiptFailure {
	f := ReceiptFailure{ReceiptID: receiptID, Message: err.Error()}
	var se *common.StageError
	if errors.As(err, &se) {
		f.Stage = se.Stage.String()
		f.Message = se.Err.Error()
	}
	return f
}
