package repository

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
	"go.uber.org/zap"

	"github.com/receipty/receipty/constants"
)

var (
	receiptsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID, Unique: true},
		{Name: "user_id", Type: field.TypeUUID},
		{Name: "extracted_text", Type: field.TypeString, SchemaType: map[string]string{dialect.Postgres: "text"}},
		{Name: "status", Type: field.TypeEnum, Enums: constants.StatusStrings(), Default: string(constants.StatusPending)},
		{Name: "merchant", Type: field.TypeString, Nullable: true},
		{Name: "receipt_date", Type: field.TypeTime, Nullable: true, SchemaType: map[string]string{dialect.Postgres: "date"}},
		{Name: "total_amount", Type: field.TypeString, Nullable: true, SchemaType: map[string]string{dialect.Postgres: "numeric(12,2)"}},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// ReceiptsTable holds one row per OCR'd receipt.
	ReceiptsTable = &schema.Table{
		Name:       "receipts",
		Columns:    receiptsColumns,
		PrimaryKey: []*schema.Column{receiptsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "receipt_status_created_at", Columns: []*schema.Column{receiptsColumns[3], receiptsColumns[7]}},
			{Name: "receipt_user_id", Columns: []*schema.Column{receiptsColumns[1]}},
		},
	}

	itemsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID, Unique: true},
		{Name: "receipt_id", Type: field.TypeUUID},
		{Name: "name", Type: field.TypeString},
		{Name: "price", Type: field.TypeString, SchemaType: map[string]string{dialect.Postgres: "numeric(14,4)"}},
		{Name: "quantity", Type: field.TypeInt},
		{Name: "category", Type: field.TypeEnum, Enums: constants.AsStringSlice()},
		{Name: "position", Type: field.TypeInt},
	}
	// ItemsTable holds the normalized lines of processed receipts.
	ItemsTable = &schema.Table{
		Name:       "items",
		Columns:    itemsColumns,
		PrimaryKey: []*schema.Column{itemsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "items_receipts_items",
				Columns:    []*schema.Column{itemsColumns[1]},
				RefColumns: []*schema.Column{receiptsColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{Name: "item_receipt_id_position", Columns: []*schema.Column{itemsColumns[1], itemsColumns[6]}},
		},
	}

	extractJobsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeUUID, Unique: true},
		{Name: "receipt_id", Type: field.TypeUUID},
		{Name: "run_id", Type: field.TypeString},
		{Name: "attempt", Type: field.TypeInt},
		{Name: "started_at", Type: field.TypeTime},
		{Name: "finished_at", Type: field.TypeTime, Nullable: true},
		{Name: "status", Type: field.TypeString},
		{Name: "stage", Type: field.TypeString, Nullable: true},
		{Name: "error_message", Type: field.TypeString, Nullable: true, SchemaType: map[string]string{dialect.Postgres: "text"}},
		{Name: "extracted_json", Type: field.TypeString, Nullable: true, SchemaType: map[string]string{dialect.Postgres: "text"}},
		{Name: "model_name", Type: field.TypeString, Nullable: true},
	}
	// ExtractJobsTable keeps one diagnostic row per processing attempt.
	ExtractJobsTable = &schema.Table{
		Name:       "extract_jobs",
		Columns:    extractJobsColumns,
		PrimaryKey: []*schema.Column{extractJobsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "extract_jobs_receipts_jobs",
				Columns:    []*schema.Column{extractJobsColumns[1]},
				RefColumns: []*schema.Column{receiptsColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
		Indexes: []*schema.Index{
			{Name: "extractjob_receipt_id_started_at", Columns: []*schema.Column{extractJobsColumns[1], extractJobsColumns[4]}},
		},
	}

	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		ReceiptsTable,
		ItemsTable,
		ExtractJobsTable,
	}
)

func init() {
	ItemsTable.ForeignKeys[0].RefTable = ReceiptsTable
	ExtractJobsTable.ForeignKeys[0].RefTable = ReceiptsTable
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	m, err := schema.NewMigrate(s.drv)
	if err != nil {
		return fmt.Errorf("new migrate: %w", err)
	}
	if err := m.Create(ctx, Tables...); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	s.log.Info("database schema up to date", zap.Int("tables", len(Tables)))
	return nil
}
