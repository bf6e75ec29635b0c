package repository

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/receipty/receipty/constants"
	"github.com/receipty/receipty/internal/entity"
)

var (
	ErrNotFound          = errors.New("receipt not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransitionError reports a guarded status update that matched no row.
type TransitionError struct {
	ReceiptID uuid.UUID
	From      constants.ReceiptStatus
	To        constants.ReceiptStatus
	Actual    constants.ReceiptStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("receipt %s: cannot move %s -> %s (status is %s)", e.ReceiptID, e.From, e.To, e.Actual)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ProcessedFields are the receipt-level values written when a receipt is processed.
type ProcessedFields struct {
	Merchant    string
	ReceiptDate time.Time
	TotalAmount decimal.Decimal
}

// ListFilter narrows List. Zero values mean no filter.
type ListFilter struct {
	Status   constants.ReceiptStatus
	UserID   uuid.UUID
	FromDate *time.Time
	ToDate   *time.Time
	Limit    int
}

type ReceiptRepository interface {
	// ListPending returns pending receipts, oldest first.
	ListPending(ctx context.Context) ([]*entity.Receipt, error)
	// Claim atomically moves a receipt from pending to processing.
	// It reports false when the receipt was not pending.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	// Complete writes the extracted fields and items and marks the receipt processed, in one transaction.
	Complete(ctx context.Context, id uuid.UUID, fields ProcessedFields, items []entity.Item) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	ResetFailed(ctx context.Context, id uuid.UUID) error
	CreatePending(ctx context.Context, userID uuid.UUID, text string) (*entity.Receipt, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Receipt, error)
	List(ctx context.Context, filter ListFilter) ([]*entity.Receipt, error)
	ListItems(ctx context.Context, receiptID uuid.UUID) ([]entity.Item, error)
	CountByStatus(ctx context.Context) (map[constants.ReceiptStatus]int, error)
}

type receiptRepository struct {
	store  *Store
	logger *zap.Logger
}

func NewReceiptRepository(store *Store, logger *zap.Logger) ReceiptRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &receiptRepository{store: store, logger: logger}
}

var receiptSelectColumns = []string{
	"id", "user_id", "extracted_text", "status", "merchant",
	"receipt_date", "total_amount", "created_at", "updated_at",
}

var itemSelectColumns = []string{"id", "receipt_id", "name", "price", "quantity", "category"}

func (r *receiptRepository) ListPending(ctx context.Context) ([]*entity.Receipt, error) {
	return r.List(ctx, ListFilter{Status: constants.StatusPending})
}

func (r *receiptRepository) List(ctx context.Context, filter ListFilter) ([]*entity.Receipt, error) {
	sel := r.store.builder().
		Select(receiptSelectColumns...).
		From(entsql.Table(ReceiptsTable.Name))

	var preds []*entsql.Predicate
	if filter.Status != "" {
		preds = append(preds, entsql.EQ("status", string(filter.Status)))
	}
	if filter.UserID != uuid.Nil {
		preds = append(preds, entsql.EQ("user_id", filter.UserID))
	}
	if filter.FromDate != nil {
		preds = append(preds, entsql.GTE("receipt_date", *filter.FromDate))
	}
	if filter.ToDate != nil {
		preds = append(preds, entsql.LTE("receipt_date", *filter.ToDate))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	sel.OrderBy(entsql.Asc("created_at"), entsql.Asc("id"))
	if filter.Limit > 0 {
		sel.Limit(filter.Limit)
	}

	query, args := sel.Query()
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to list receipts", zap.String("status", string(filter.Status)), zap.Error(err))
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []*entity.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return out, nil
}

func (r *receiptRepository) Get(ctx context.Context, id uuid.UUID) (*entity.Receipt, error) {
	query, args := r.store.builder().
		Select(receiptSelectColumns...).
		From(entsql.Table(ReceiptsTable.Name)).
		Where(entsql.EQ("id", id)).
		Query()
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get receipt: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanReceipt(rows)
}

func (r *receiptRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := r.guardedUpdate(ctx, r.store.db, id, constants.StatusPending, constants.StatusProcessing, nil)
	if err != nil {
		return false, err
	}
	if n == 0 {
		r.logger.Debug("receipt.claim.skipped", zap.String("receipt_id", id.String()))
		return false, nil
	}
	return true, nil
}

func (r *receiptRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, constants.StatusProcessing, constants.StatusFailed)
}

func (r *receiptRepository) ResetFailed(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, constants.StatusFailed, constants.StatusPending)
}

func (r *receiptRepository) Complete(ctx context.Context, id uuid.UUID, fields ProcessedFields, items []entity.Item) error {
	err := r.store.inTx(ctx, func(tx *stdsql.Tx) error {
		set := map[string]any{
			"merchant":     fields.Merchant,
			"receipt_date": fields.ReceiptDate,
			"total_amount": fields.TotalAmount.StringFixed(2),
		}
		n, err := r.guardedUpdate(ctx, tx, id, constants.StatusProcessing, constants.StatusProcessed, set)
		if err != nil {
			return err
		}
		if n == 0 {
			return r.transitionError(ctx, tx, id, constants.StatusProcessing, constants.StatusProcessed)
		}
		if len(items) == 0 {
			return nil
		}

		ins := r.store.builder().
			Insert(ItemsTable.Name).
			Columns("id", "receipt_id", "name", "price", "quantity", "category", "position")
		for i, it := range items {
			itemID := it.ID
			if itemID == uuid.Nil {
				itemID = uuid.New()
			}
			ins.Values(itemID, id, it.Name, it.Price.String(), it.Quantity, string(it.Category), i)
		}
		query, args := ins.Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert items: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("receipt.complete.failed", zap.String("receipt_id", id.String()), zap.Error(err))
		return err
	}
	r.logger.Info("receipt.complete.ok", zap.String("receipt_id", id.String()), zap.Int("items", len(items)))
	return nil
}

func (r *receiptRepository) CreatePending(ctx context.Context, userID uuid.UUID, text string) (*entity.Receipt, error) {
	now := time.Now().UTC()
	rec := &entity.Receipt{
		ID:            uuid.New(),
		UserID:        userID,
		ExtractedText: text,
		Status:        constants.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	query, args := r.store.builder().
		Insert(ReceiptsTable.Name).
		Columns("id", "user_id", "extracted_text", "status", "created_at", "updated_at").
		Values(rec.ID, rec.UserID, rec.ExtractedText, string(rec.Status), rec.CreatedAt, rec.UpdatedAt).
		Query()
	if _, err := r.store.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("failed to create receipt", zap.Error(err))
		return nil, fmt.Errorf("create receipt: %w", err)
	}
	return rec, nil
}

func (r *receiptRepository) ListItems(ctx context.Context, receiptID uuid.UUID) ([]entity.Item, error) {
	query, args := r.store.builder().
		Select(itemSelectColumns...).
		From(entsql.Table(ItemsTable.Name)).
		Where(entsql.EQ("receipt_id", receiptID)).
		OrderBy(entsql.Asc("position")).
		Query()
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []entity.Item
	for rows.Next() {
		var (
			it       entity.Item
			price    decimal.Decimal
			category string
		)
		if err := rows.Scan(&it.ID, &it.ReceiptID, &it.Name, &price, &it.Quantity, &category); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Price = price
		// rows written before the taxonomy was fixed may carry legacy labels
		it.Category, _ = constants.Canonicalize(category)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func (r *receiptRepository) CountByStatus(ctx context.Context) (map[constants.ReceiptStatus]int, error) {
	query, args := r.store.builder().
		Select("status", entsql.Count("*")).
		From(entsql.Table(ReceiptsTable.Name)).
		GroupBy("status").
		Query()
	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count receipts: %w", err)
	}
	defer rows.Close()

	out := make(map[constants.ReceiptStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[constants.ReceiptStatus(status)] = n
	}
	return out, rows.Err()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (stdsql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*stdsql.Rows, error)
}

// guardedUpdate sets status=to (plus extra columns) only where status=from and
// returns the number of rows changed.
func (r *receiptRepository) guardedUpdate(ctx context.Context, ex execer, id uuid.UUID, from, to constants.ReceiptStatus, extra map[string]any) (int64, error) {
	if !constants.CanTransition(from, to) {
		return 0, &TransitionError{ReceiptID: id, From: from, To: to, Actual: from}
	}
	upd := r.store.builder().
		Update(ReceiptsTable.Name).
		Set("status", string(to)).
		Set("updated_at", time.Now().UTC())
	// fixed column order keeps the generated SQL stable
	for _, col := range []string{"merchant", "receipt_date", "total_amount"} {
		if v, ok := extra[col]; ok {
			upd.Set(col, v)
		}
	}
	query, args := upd.
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("status", string(from)))).
		Query()
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update receipt status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (r *receiptRepository) transition(ctx context.Context, id uuid.UUID, from, to constants.ReceiptStatus) error {
	n, err := r.guardedUpdate(ctx, r.store.db, id, from, to, nil)
	if err != nil {
		return err
	}
	if n == 0 {
		return r.transitionError(ctx, r.store.db, id, from, to)
	}
	r.logger.Info("receipt.status.changed",
		zap.String("receipt_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// transitionError explains why a guarded update matched nothing.
func (r *receiptRepository) transitionError(ctx context.Context, ex execer, id uuid.UUID, from, to constants.ReceiptStatus) error {
	query, args := r.store.builder().
		Select("status").
		From(entsql.Table(ReceiptsTable.Name)).
		Where(entsql.EQ("id", id)).
		Query()
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("read receipt status: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return ErrNotFound
	}
	var actual string
	if err := rows.Scan(&actual); err != nil {
		return fmt.Errorf("scan receipt status: %w", err)
	}
	return &TransitionError{ReceiptID: id, From: from, To: to, Actual: constants.ReceiptStatus(actual)}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(s scanner) (*entity.Receipt, error) {
	var (
		rec      entity.Receipt
		status   string
		merchant stdsql.NullString
		date     stdsql.NullTime
		total    decimal.NullDecimal
	)
	if err := s.Scan(&rec.ID, &rec.UserID, &rec.ExtractedText, &status, &merchant, &date, &total, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan receipt: %w", err)
	}
	rec.Status = constants.ReceiptStatus(status)
	if merchant.Valid {
		rec.Merchant = &merchant.String
	}
	if date.Valid {
		d := time.Date(date.Time.Year(), date.Time.Month(), date.Time.Day(), 0, 0, 0, 0, time.UTC)
		rec.ReceiptDate = &d
	}
	if total.Valid {
		rec.TotalAmount = &total.Decimal
	}
	return &rec, nil
}
