package entity

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/receipty/receipty/constants"
)

// Receipt represents a receipt row for data transfer between layers.
// Extracted fields stay nil until the receipt is processed.
type Receipt struct {
	ID            uuid.UUID               `json:"id"`
	UserID        uuid.UUID               `json:"user_id"`
	ExtractedText string                  `json:"extracted_text"`
	Status        constants.ReceiptStatus `json:"status"`
	Merchant      *string                 `json:"merchant,omitempty"`
	ReceiptDate   *time.Time              `json:"receipt_date,omitempty"`
	TotalAmount   *decimal.Decimal        `json:"total_amount,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// Item is one persisted line of a processed receipt. Price is the per-unit price.
type Item struct {
	ID        uuid.UUID          `json:"id"`
	ReceiptID uuid.UUID          `json:"receipt_id"`
	Name      string             `json:"name"`
	Price     decimal.Decimal    `json:"price"`
	Quantity  int                `json:"quantity"`
	Category  constants.Category `json:"category"`
}

// LineTotal is price times quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
