package export

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/receipty/receipty/constants"
	"github.com/receipty/receipty/internal/entity"
	"github.com/receipty/receipty/internal/repository"
)

const (
	ReceiptsSheet   = "Receipts"
	ItemsSheet      = "Items"
	CategoriesSheet = "Categories"
)

// Source is the read side of the receipt store.
type Source interface {
	List(ctx context.Context, filter repository.ListFilter) ([]*entity.Receipt, error)
	ListItems(ctx context.Context, receiptID uuid.UUID) ([]entity.Item, error)
}

// Filter selects the processed receipts to export. Zero values mean no filter.
type Filter struct {
	UserID uuid.UUID
	From   *time.Time
	To     *time.Time
}

// Service produces XLSX workbooks of processed receipts.
type Service struct {
	source Source
	logger *zap.Logger
}

func NewService(source Source, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{source: source, logger: logger}
}

// ExportXLSX returns a workbook (as bytes) with a row per receipt, a row per item
// and the per-category totals.
// If only From is set the window ends today; if only To is set it starts at the beginning.
func (s *Service) ExportXLSX(ctx context.Context, filter Filter) ([]byte, error) {
	start := time.Now()

	lf := repository.ListFilter{Status: constants.StatusProcessed, UserID: filter.UserID}
	if filter.From != nil {
		f := dateOnly(*filter.From)
		lf.FromDate = &f
	}
	if filter.To != nil {
		t := dateOnly(*filter.To)
		lf.ToDate = &t
	}
	if lf.FromDate != nil && lf.ToDate == nil {
		today := dateOnly(time.Now().UTC())
		lf.ToDate = &today
	}

	recs, err := s.source.List(ctx, lf)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ReceiptsSheet); err != nil {
		return nil, err
	}
	for _, name := range []string{ItemsSheet, CategoriesSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	receipts := newSheetWriter(f, ReceiptsSheet,
		"Receipt ID", "Date", "Merchant", "Total", "Items", "Items Total")
	items := newSheetWriter(f, ItemsSheet,
		"Receipt ID", "Date", "Merchant", "Item", "Category", "Quantity", "Unit Price", "Line Total")

	totals := make(map[constants.Category]decimal.Decimal)
	counts := make(map[constants.Category]int)
	itemRows := 0

	for _, r := range recs {
		lines, err := s.source.ListItems(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("query items for %s: %w", r.ID, err)
		}

		date := ""
		if r.ReceiptDate != nil {
			date = r.ReceiptDate.Format("2006-01-02")
		}
		merchant := ""
		if r.Merchant != nil {
			merchant = *r.Merchant
		}
		total := decimal.Zero
		if r.TotalAmount != nil {
			total = *r.TotalAmount
		}

		sum := decimal.Zero
		for _, it := range lines {
			line := it.LineTotal()
			sum = sum.Add(line)
			totals[it.Category] = totals[it.Category].Add(line)
			counts[it.Category]++
			items.row(r.ID.String(), date, merchant, it.Name, string(it.Category),
				it.Quantity, amount(it.Price, 4), amount(line, 2))
			itemRows++
		}
		receipts.row(r.ID.String(), date, merchant, amount(total, 2), len(lines), amount(sum, 2))
	}

	categories := newSheetWriter(f, CategoriesSheet, "Category", "Items", "Total")
	grand := decimal.Zero
	for _, c := range constants.AllCategories() {
		if counts[c] == 0 {
			continue
		}
		grand = grand.Add(totals[c])
		categories.row(string(c), counts[c], amount(totals[c], 2))
	}
	categories.row("Total", itemRows, amount(grand, 2))

	_ = f.SetColWidth(ReceiptsSheet, "A", "A", 38)
	_ = f.SetColWidth(ReceiptsSheet, "B", "B", 12)
	_ = f.SetColWidth(ReceiptsSheet, "C", "C", 28)
	_ = f.SetColWidth(ItemsSheet, "A", "A", 38)
	_ = f.SetColWidth(ItemsSheet, "C", "D", 28)
	_ = f.SetColWidth(CategoriesSheet, "A", "A", 16)

	for _, w := range []*sheetWriter{receipts, items, categories} {
		if w.err != nil {
			return nil, fmt.Errorf("xlsx %s sheet: %w", w.sheet, w.err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		zap.Int("receipts", len(recs)),
		zap.Int("items", itemRows),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return buf.Bytes(), nil
}

// sheetWriter appends rows to one sheet and keeps the first error.
type sheetWriter struct {
	f     *excelize.File
	sheet string
	next  int
	err   error
}

func newSheetWriter(f *excelize.File, sheet string, headers ...string) *sheetWriter {
	w := &sheetWriter{f: f, sheet: sheet, next: 1}
	values := make([]any, len(headers))
	for i, h := range headers {
		values[i] = h
	}
	w.row(values...)
	return w
}

func (w *sheetWriter) row(values ...any) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(1, w.next)
	if err != nil {
		w.err = err
		return
	}
	if err := w.f.SetSheetRow(w.sheet, cell, &values); err != nil {
		w.err = err
		return
	}
	w.next++
}

// amount converts to a float for the cell so spreadsheet formulas work on it.
func amount(d decimal.Decimal, places int32) float64 {
	return d.Round(places).InexactFloat64()
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
