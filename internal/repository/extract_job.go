package repository

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/receipty/receipty/constants"
	"github.com/receipty/receipty/internal/entity"
)

// ExtractJobRepository stores one diagnostic row per processing attempt.
type ExtractJobRepository interface {
	Start(ctx context.Context, receiptID uuid.UUID, runID string, attempt int, model string) (uuid.UUID, error)
	FinishSuccess(ctx context.Context, jobID uuid.UUID, raw []byte) error
	FinishFailure(ctx context.Context, jobID uuid.UUID, stage, message string, raw []byte) error
	ListByReceipt(ctx context.Context, receiptID uuid.UUID) ([]*entity.ExtractJob, error)
}

type extractJobRepo struct {
	store *Store
	log   *zap.Logger
}

func NewExtractJobRepository(store *Store, log *zap.Logger) ExtractJobRepository {
	if log == nil {
		log = zap.NewNop()
	}
	return &extractJobRepo{store: store, log: log}
}

func (r *extractJobRepo) Start(ctx context.Context, receiptID uuid.UUID, runID string, attempt int, model string) (uuid.UUID, error) {
	id := uuid.New()
	query, args := r.store.builder().
		Insert(ExtractJobsTable.Name).
		Columns("id", "receipt_id", "run_id", "attempt", "started_at", "status", "model_name").
		Values(id, receiptID, runID, attempt, time.Now().UTC(), string(constants.JobStatusRunning), model).
		Query()
	if _, err := r.store.db.ExecContext(ctx, query, args...); err != nil {
		r.log.Error("extract_job start failed", zap.String("receipt_id", receiptID.String()), zap.Error(err))
		return uuid.Nil, fmt.Errorf("start extract job: %w", err)
	}
	r.log.Debug("extract_job started", zap.String("job_id", id.String()), zap.String("receipt_id", receiptID.String()))
	return id, nil
}

func (r *extractJobRepo) FinishSuccess(ctx context.Context, jobID uuid.UUID, raw []byte) error {
	upd := r.store.builder().
		Update(ExtractJobsTable.Name).
		Set("finished_at", time.Now().UTC()).
		Set("status", string(constants.JobStatusSucceeded))
	if len(raw) > 0 {
		upd.Set("extracted_json", string(raw))
	}
	query, args := upd.Where(entsql.EQ("id", jobID)).Query()
	if _, err := r.store.db.ExecContext(ctx, query, args...); err != nil {
		r.log.Error("extract_job finish(OK) failed", zap.String("job_id", jobID.String()), zap.Error(err))
		return fmt.Errorf("finish extract job: %w", err)
	}
	return nil
}

func (r *extractJobRepo) FinishFailure(ctx context.Context, jobID uuid.UUID, stage, message string, raw []byte) error {
	upd := r.store.builder().
		Update(ExtractJobsTable.Name).
		Set("finished_at", time.Now().UTC()).
		Set("status", string(constants.JobStatusFailed)).
		Set("stage", stage).
		Set("error_message", message)
	if len(raw) > 0 {
		upd.Set("extracted_json", string(raw))
	}
	query, args := upd.Where(entsql.EQ("id", jobID)).Query()
	if _, err := r.store.db.ExecContext(ctx, query, args...); err != nil {
		r.log.Error("extract_job finish(FAILED) failed", zap.String("job_id", jobID.String()), zap.Error(err))
		return fmt.Errorf("finish extract job: %w", err)
	}
	r.log.Warn("extract_job finished (FAILED)", zap.String("job_id", jobID.String()), zap.String("stage", stage))
	return nil
}

func (r *extractJobRepo) ListByReceipt(ctx context.Context, receiptID uuid.UUID) ([]*entity.ExtractJob, error) {
	query, args := r.store.builder().
		Select("id", "receipt_id", "run_id", "attempt", "started_at", "finished_at",
			"status", "stage", "error_message", "extracted_json", "model_name").
		From(entsql.Table(ExtractJobsTable.Name)).
		Where(entsql.EQ("receipt_id", receiptID)).
		OrderBy(entsql.Asc("started_at"), entsql.Asc("attempt")).
		Query()
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list extract jobs: %w", err)
	}
	defer rows.Close()

	var out []*entity.ExtractJob
	for rows.Next() {
		var (
			job      entity.ExtractJob
			finished stdsql.NullTime
			stage    stdsql.NullString
			message  stdsql.NullString
			raw      stdsql.NullString
			model    stdsql.NullString
		)
		if err := rows.Scan(&job.ID, &job.ReceiptID, &job.RunID, &job.Attempt, &job.StartedAt, &finished,
			&job.Status, &stage, &message, &raw, &model); err != nil {
			return nil, fmt.Errorf("scan extract job: %w", err)
		}
		if finished.Valid {
			job.FinishedAt = &finished.Time
		}
		if stage.Valid {
			job.Stage = &stage.String
		}
		if message.Valid {
			job.ErrorMessage = &message.String
		}
		if raw.Valid {
			job.ExtractedJSON = []byte(raw.String)
		}
		if model.Valid {
			job.ModelName = &model.String
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}
