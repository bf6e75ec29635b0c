package constants

import "fmt"

// ReceiptStatus is the lifecycle state stored on each receipt row.
type ReceiptStatus string

// Stable values (store these exact strings in DB).
const (
	StatusPending    ReceiptStatus = "pending"    // waiting for a batch run
	StatusProcessing ReceiptStatus = "processing" // claimed by a run
	StatusProcessed  ReceiptStatus = "processed"  // extraction persisted
	StatusFailed     ReceiptStatus = "failed"     // terminal until reset
)

var allStatuses = []ReceiptStatus{StatusPending, StatusProcessing, StatusProcessed, StatusFailed}

// StatusStrings lists the stored values, used for the enum column.
func StatusStrings() []string {
	out := make([]string, len(allStatuses))
	for i, s := range allStatuses {
		out[i] = string(s)
	}
	return out
}

func ParseReceiptStatus(s string) (ReceiptStatus, error) {
	st := ReceiptStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown receipt status %q", s)
	}
	return st, nil
}

func (s ReceiptStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a batch run leaves the receipt alone from here on.
func (s ReceiptStatus) Terminal() bool {
	switch s {
	case StatusProcessed, StatusFailed:
		return true
	case StatusPending, StatusProcessing:
		return false
	default:
		panic(fmt.Sprintf("constants: unhandled status %q", string(s)))
	}
}

// CanTransition reports whether from -> to is an allowed edge.
// failed -> pending is the external reset; nothing else leaves a terminal state.
func CanTransition(from, to ReceiptStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessed || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	case StatusProcessed:
		return false
	default:
		return false
	}
}

// JobStatus is the status for rows in extract_jobs (one row per attempt).
type JobStatus string

const (
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)
