package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/receipty/receipty/constants"
	"github.com/receipty/receipty/internal/llm"
)

// DefaultTolerance is the largest accepted gap between the item sum and the total.
var DefaultTolerance = decimal.RequireFromString("0.02")

// totalScale is the number of decimals a stored receipt total keeps.
const totalScale = 2

type rawExtraction struct {
	Merchant    string    `json:"merchant"`
	ReceiptDate any       `json:"receipt_date"`
	TotalAmount any       `json:"total_amount"`
	Items       []rawLine `json:"items"`
}

type rawLine struct {
	Name       string      `json:"name"`
	Quantity   json.Number `json:"quantity"`
	LineAmount any         `json:"line_amount"`
	Category   *string     `json:"category"`
}

// Validator turns raw tool arguments into a StructuredExtraction, or explains why not.
// Checks run in order: structural, numeric, date, reconciliation.
type Validator struct {
	schemaMap       map[string]any
	schema          *jsonschema.Schema
	tolerance       decimal.Decimal
	allowEmptyItems bool
	categories      []string
}

type Option func(*Validator)

func WithTolerance(t decimal.Decimal) Option {
	return func(v *Validator) { v.tolerance = t }
}

// WithAllowEmptyItems accepts receipts that list no items.
func WithAllowEmptyItems(allow bool) Option {
	return func(v *Validator) { v.allowEmptyItems = allow }
}

func NewValidator(opts ...Option) (*Validator, error) {
	v := &Validator{
		tolerance:  DefaultTolerance,
		categories: constants.AsStringSlice(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.schemaMap = llm.BuildExtractionJSONSchema(v.categories, v.allowEmptyItems)
	schema, err := llm.CompileSchema(v.schemaMap)
	if err != nil {
		return nil, err
	}
	v.schema = schema
	return v, nil
}

// Schema is the tool parameter schema matching this validator's rules.
func (v *Validator) Schema() map[string]any {
	return v.schemaMap
}

func (v *Validator) Validate(raw []byte) (*StructuredExtraction, error) {
	cleaned, _, err := llm.DropNullOptionals(raw)
	if err != nil {
		return nil, reject(StepStructural, "", "arguments are not valid JSON", err)
	}
	if rej := screenNumbers(cleaned); rej != nil {
		return nil, rej
	}
	if err := llm.ValidateJSON(v.schema, cleaned); err != nil {
		return nil, reject(StepStructural, "", "", err)
	}

	dec := json.NewDecoder(bytes.NewReader(cleaned))
	dec.UseNumber()
	var in rawExtraction
	if err := dec.Decode(&in); err != nil {
		return nil, reject(StepStructural, "", "decode arguments", err)
	}

	out := &StructuredExtraction{
		Merchant: in.Merchant,
		Items:    make([]ExtractedLine, 0, len(in.Items)),
	}

	total, err := CoerceAmount(in.TotalAmount)
	if err != nil {
		return nil, reject(StepNumeric, "total_amount", "", err)
	}
	if !total.Equal(total.Truncate(totalScale)) {
		return nil, reject(StepNumeric, "total_amount",
			fmt.Sprintf("%s has more than %d decimal places", total.String(), totalScale), nil)
	}
	out.TotalAmount = total

	for i, line := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		quantity, err := CoerceQuantity(line.Quantity)
		if err != nil {
			return nil, reject(StepNumeric, field+".quantity", "", err)
		}
		amount, err := CoerceAmount(line.LineAmount)
		if err != nil {
			return nil, reject(StepNumeric, field+".line_amount", "", err)
		}
		category := constants.Other
		if line.Category != nil {
			category, err = constants.ParseCategory(*line.Category)
			if err != nil {
				return nil, reject(StepStructural, field+".category", "", err)
			}
		}
		out.Items = append(out.Items, ExtractedLine{
			Name:       line.Name,
			Quantity:   quantity,
			LineAmount: amount,
			Category:   category,
		})
	}

	date, err := CoerceDate(in.ReceiptDate)
	if err != nil {
		return nil, reject(StepDate, "receipt_date", "", err)
	}
	out.ReceiptDate = date

	if err := Reconcile(out.TotalAmount, out.ItemsSum(), v.tolerance); err != nil {
		return nil, err
	}
	return out, nil
}

// Reconcile accepts when |sum - total| <= tolerance.
func Reconcile(total, sum, tolerance decimal.Decimal) error {
	diff := sum.Sub(total).Abs()
	if diff.GreaterThan(tolerance) {
		return reject(StepReconciliation, "items",
			fmt.Sprintf("items sum to %s but total is %s (difference %s exceeds %s)",
				sum.StringFixed(2), total.StringFixed(2), diff.String(), tolerance.String()), nil)
	}
	return nil
}

// screenNumbers rejects any JSON number outside the amount bounds before the
// schema validator turns numbers into big.Rat values.
func screenNumbers(raw []byte) *RejectionError {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return reject(StepStructural, "", "arguments are not valid JSON", err)
	}
	return screenValue(doc, "")
}

func screenValue(v any, path string) *RejectionError {
	switch t := v.(type) {
	case json.Number:
		if _, err := checkNumber(t); err != nil {
			return reject(StepNumeric, path, "", err)
		}
	case map[string]any:
		for k, child := range t {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if rej := screenValue(child, p); rej != nil {
				return rej
			}
		}
	case []any:
		for i, child := range t {
			if rej := screenValue(child, fmt.Sprintf("%s[%d]", path, i)); rej != nil {
				return rej
			}
		}
	}
	return nil
}
