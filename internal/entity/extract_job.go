package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExtractJob records one processing attempt for a receipt, successful or not.
type ExtractJob struct {
	ID            uuid.UUID       `json:"id"`
	ReceiptID     uuid.UUID       `json:"receipt_id"`
	RunID         string          `json:"run_id"`
	Attempt       int             `json:"attempt"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	Status        string          `json:"status"`
	Stage         *string         `json:"stage,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	ExtractedJSON json.RawMessage `json:"extracted_json,omitempty"`
	ModelName     *string         `json:"model_name,omitempty"`
}
