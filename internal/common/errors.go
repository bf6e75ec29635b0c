package common

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// ErrInvalidInput is the cause of configuration errors.
var ErrInvalidInput = errors.New("invalid input")

func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Stage names the pipeline step a receipt failed in.
type Stage int

const (
	StageFetch Stage = iota + 1
	StageExtraction
	StageValidation
	StagePersistence
)

func (s Stage) String() string {
	switch s {
	case StageFetch:
		return "fetch"
	case StageExtraction:
		return "extraction"
	case StageValidation:
		return "validation"
	case StagePersistence:
		return "persistence"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// StageError is a pipeline failure tagged with the stage it happened in.
// ReceiptID is empty for fetch failures, which happen before any receipt is touched.
type StageError struct {
	Stage     Stage
	ReceiptID string
	Err       error
}

func (e *StageError) Error() string {
	if e.ReceiptID == "" {
		return fmt.Sprintf("%s failure: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failure for receipt %s: %v", e.Stage, e.ReceiptID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func FetchFailure(err error) *StageError {
	return &StageError{Stage: StageFetch, Err: err}
}

func ExtractionFailure(receiptID string, err error) *StageError {
	return &StageError{Stage: StageExtraction, ReceiptID: receiptID, Err: err}
}

func ValidationFailure(receiptID string, err error) *StageError {
	return &StageError{Stage: StageValidation, ReceiptID: receiptID, Err: err}
}

func PersistenceFailure(receiptID string, err error) *StageError {
	return &StageError{Stage: StagePersistence, ReceiptID: receiptID, Err: err}
}

// StageOf returns the stage of the first StageError in err's chain.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return 0, false
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}
