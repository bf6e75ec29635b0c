package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/receipty/receipty/constants"
	"github.com/receipty/receipty/internal/common"
	"github.com/receipty/receipty/internal/entity"
	"github.com/receipty/receipty/internal/llm"
	"github.com/receipty/receipty/internal/repository"
)

// ErrNotPending is returned when a receipt cannot be claimed because it is not pending.
var ErrNotPending = errors.New("receipt is not pending")

// Config holds per-receipt behavior.
type Config struct {
	MaxExtractionAttempts int           // default 1
	RetryBackoff          time.Duration // wait between attempts
	ReceiptTimeout        time.Duration // 0 = no limit
}

// Processor drives one claimed receipt through extract, validate, normalize and persist.
type Processor struct {
	receipts   Receipts
	attempts   Attempts
	extractor  llm.Extractor
	validator  Validator
	categories []constants.Category
	cfg        Config
	logger     *zap.Logger
}

func NewProcessor(receipts Receipts, attempts Attempts, extractor llm.Extractor, validator Validator, cfg Config, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxExtractionAttempts < 1 {
		cfg.MaxExtractionAttempts = 1
	}
	return &Processor{
		receipts:   receipts,
		attempts:   attempts,
		extractor:  extractor,
		validator:  validator,
		categories: constants.AllCategories(),
		cfg:        cfg,
		logger:     logger,
	}
}

// ProcessOne claims a single receipt and processes it.
// Receipts that are not pending are rejected with ErrNotPending.
func (p *Processor) ProcessOne(ctx context.Context, id uuid.UUID) error {
	rec, err := p.receipts.Get(ctx, id)
	if err != nil {
		return common.FetchFailure(fmt.Errorf("load receipt %s: %w", id, err))
	}
	if rec.Status != constants.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, rec.Status)
	}
	ok, err := p.receipts.Claim(ctx, id)
	if err != nil {
		return common.PersistenceFailure(id.String(), fmt.Errorf("claim: %w", err))
	}
	if !ok {
		return fmt.Errorf("%w: %s was claimed concurrently", ErrNotPending, id)
	}
	return p.Process(ctx, rec)
}

// Process runs a receipt that is already processing. On failure the receipt is
// moved to failed and the returned error is a *common.StageError.
func (p *Processor) Process(ctx context.Context, rec *entity.Receipt) error {
	start := time.Now()
	ctx = common.WithReceiptID(ctx, rec.ID.String())
	log := p.logger.With(
		zap.String("run_id", common.RunIDFromContext(ctx)),
		zap.String("receipt_id", rec.ID.String()),
	)
	if p.cfg.ReceiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ReceiptTimeout)
		defer cancel()
	}

	req := llm.ExtractRequest{
		System:   llm.BuildSystemPrompt(),
		Prompt:   llm.BuildExtractionPrompt(rec.ExtractedText, p.categories),
		ToolName: llm.ExtractionToolName,
		Schema:   p.validator.Schema(),
	}

	var stageErr *common.StageError
	for attempt := 1; attempt <= p.cfg.MaxExtractionAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, p.cfg.RetryBackoff); err != nil {
				break
			}
			log.Info("receipt.retry", zap.Int("attempt", attempt), zap.Error(stageErr))
		}

		stageErr = p.attempt(ctx, rec, req, attempt, log)
		if stageErr == nil {
			log.Info("receipt.processed",
				zap.Int("attempt", attempt),
				zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
			)
			return nil
		}
		if !retryable(stageErr) {
			break
		}
	}
	return p.fail(ctx, rec.ID, stageErr, log)
}

// attempt performs one extraction round trip and, on success, persists it.
func (p *Processor) attempt(ctx context.Context, rec *entity.Receipt, req llm.ExtractRequest, attempt int, log *zap.Logger) *common.StageError {
	id := rec.ID.String()
	jobID := p.startAttempt(ctx, rec.ID, attempt)

	raw, err := p.extractor.Extract(ctx, req)
	if err != nil {
		se := common.ExtractionFailure(id, err)
		p.finishAttempt(ctx, jobID, se, raw)
		log.Warn("receipt.extract.failed", zap.Int("attempt", attempt), zap.Error(err))
		return se
	}

	extraction, err := p.validator.Validate(raw)
	if err != nil {
		se := common.ValidationFailure(id, err)
		p.finishAttempt(ctx, jobID, se, raw)
		log.Warn("receipt.validate.failed", zap.Int("attempt", attempt), zap.Error(err))
		return se
	}

	items, err := extraction.NormalizedItems()
	if err != nil {
		se := common.ValidationFailure(id, err)
		p.finishAttempt(ctx, jobID, se, raw)
		return se
	}

	fields := repository.ProcessedFields{
		Merchant:    extraction.Merchant,
		ReceiptDate: extraction.ReceiptDate,
		TotalAmount: extraction.TotalAmount,
	}
	if err := p.receipts.Complete(ctx, rec.ID, fields, items); err != nil {
		se := common.PersistenceFailure(id, err)
		p.finishAttempt(ctx, jobID, se, raw)
		return se
	}
	p.finishAttempt(ctx, jobID, nil, raw)
	return nil
}

// fail moves the receipt to failed. The status write uses a context that survives
// cancellation of the run so the receipt does not stay in processing.
func (p *Processor) fail(ctx context.Context, id uuid.UUID, stageErr *common.StageError, log *zap.Logger) error {
	if stageErr == nil {
		stageErr = common.ExtractionFailure(id.String(), ctx.Err())
	}
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error = stageErr
	if markErr := p.receipts.MarkFailed(markCtx, id); markErr != nil {
		log.Error("receipt.mark_failed.failed", zap.Error(markErr))
		err = multierr.Append(err, fmt.Errorf("mark failed: %w", markErr))
	}
	log.Warn("receipt.failed", zap.String("stage", stageErr.Stage.String()), zap.Error(stageErr.Err))
	return err
}

func (p *Processor) startAttempt(ctx context.Context, receiptID uuid.UUID, attempt int) uuid.UUID {
	if p.attempts == nil {
		return uuid.Nil
	}
	jobID, err := p.attempts.Start(ctx, receiptID, common.RunIDFromContext(ctx), attempt, p.extractor.Name())
	if err != nil {
		p.logger.Warn("attempt.start.failed", zap.String("receipt_id", receiptID.String()), zap.Error(err))
		return uuid.Nil
	}
	return jobID
}

// finishAttempt closes the diagnostic row. Diagnostic write errors are logged, never returned.
func (p *Processor) finishAttempt(ctx context.Context, jobID uuid.UUID, se *common.StageError, raw []byte) {
	if p.attempts == nil || jobID == uuid.Nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if se == nil {
		err = p.attempts.FinishSuccess(ctx, jobID, raw)
	} else {
		err = p.attempts.FinishFailure(ctx, jobID, se.Stage.String(), se.Err.Error(), raw)
	}
	if err != nil {
		p.logger.Warn("attempt.finish.failed", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

// retryable reports whether another extraction attempt could help.
func retryable(se *common.StageError) bool {
	switch se.Stage {
	case common.StageExtraction, common.StageValidation:
		return !errors.Is(se.Err, context.Canceled) && !errors.Is(se.Err, context.DeadlineExceeded)
	case common.StageFetch, common.StagePersistence:
		return false
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
