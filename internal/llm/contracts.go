package llm

import (
	"context"
	"errors"
)

// ExtractionToolName is the single tool the extraction service is forced to call.
const ExtractionToolName = "record_receipt"

// ExtractRequest is one forced tool call.
type ExtractRequest struct {
	System   string
	Prompt   string
	ToolName string
	Schema   map[string]any
}

// Extractor is the interface the pipeline depends on. Implementations return the raw
// JSON arguments of the forced tool call and never retry on their own.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) ([]byte, error)
	Name() string
}

var (
	ErrNoToolCall     = errors.New("response contains no tool call")
	ErrWrongTool      = errors.New("response called an unexpected tool")
	ErrEmptyArguments = errors.New("tool call has empty arguments")
)
