package extract

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/receipty/receipty/constants"
)

// ExtractedLine is one validated line as returned by the extraction service.
// LineAmount is the total for the line, not the unit price.
type ExtractedLine struct {
	Name       string
	Quantity   int
	LineAmount decimal.Decimal
	Category   constants.Category
}

// StructuredExtraction is a validated, reconciled receipt ready for normalization.
type StructuredExtraction struct {
	Merchant    string
	ReceiptDate time.Time
	TotalAmount decimal.Decimal
	Items       []ExtractedLine
}

// ItemsSum adds up the line amounts.
func (s *StructuredExtraction) ItemsSum() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range s.Items {
		sum = sum.Add(it.LineAmount)
	}
	return sum
}

// Step identifies which validation step rejected an extraction.
type Step int

const (
	StepStructural Step = iota + 1
	StepNumeric
	StepDate
	StepReconciliation
)

func (s Step) String() string {
	switch s {
	case StepStructural:
		return "structural"
	case StepNumeric:
		return "numeric"
	case StepDate:
		return "date"
	case StepReconciliation:
		return "reconciliation"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// RejectionError explains why an extraction was rejected.
type RejectionError struct {
	Step   Step
	Field  string
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	msg := e.Step.String() + " check failed"
	if e.Field != "" {
		msg += " on " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

func reject(step Step, field, reason string, err error) *RejectionError {
	return &RejectionError{Step: step, Field: field, Reason: reason, Err: err}
}
