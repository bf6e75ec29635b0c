package extract

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/receipty/receipty/internal/entity"
)

// UnitPricePlaces is the number of decimal places kept for per-unit prices.
const UnitPricePlaces = 4

// UnitPrice divides a line total by its quantity, rounding half up to four places.
func UnitPrice(lineAmount decimal.Decimal, quantity int) (decimal.Decimal, error) {
	if quantity < 1 {
		return decimal.Zero, fmt.Errorf("quantity %d is below 1", quantity)
	}
	if lineAmount.IsNegative() {
		return decimal.Zero, errors.New("line amount is negative")
	}
	return lineAmount.DivRound(decimal.NewFromInt(int64(quantity)), UnitPricePlaces), nil
}

// NormalizedItems converts extracted lines into items priced per unit.
// IDs and receipt ids are left for the store to assign.
func (s *StructuredExtraction) NormalizedItems() ([]entity.Item, error) {
	items := make([]entity.Item, 0, len(s.Items))
	for i, line := range s.Items {
		price, err := UnitPrice(line.LineAmount, line.Quantity)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		items = append(items, entity.Item{
			Name:     line.Name,
			Price:    price,
			Quantity: line.Quantity,
			Category: line.Category,
		})
	}
	return items, nil
}
