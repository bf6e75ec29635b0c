package common

import (
	"context"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyRunID     contextKey = "run_id"
	ContextKeyReceiptID contextKey = "receipt_id"
)

// WithRunID tags the context with the batch run it belongs to.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ContextKeyRunID, runID)
}

// RunIDFromContext extracts the batch run ID from context
func RunIDFromContext(ctx context.Context) string {
	if runID, ok := ctx.Value(ContextKeyRunID).(string); ok {
		return runID
	}
	return ""
}

func WithReceiptID(ctx context.Context, receiptID string) context.Context {
	return context.WithValue(ctx, ContextKeyReceiptID, receiptID)
}

func ReceiptIDFromContext(ctx context.Context) string {
	if receiptID, ok := ctx.Value(ContextKeyReceiptID).(string); ok {
		return receiptID
	}
	return ""
}
