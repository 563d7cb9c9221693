package models

import "time"

// BulkStatus represents the aggregate state of a bulk operation.
type BulkStatus string

const (
	BulkStatusPending   BulkStatus = "pending"
	BulkStatusRunning   BulkStatus = "running"
	BulkStatusCompleted BulkStatus = "completed"
	BulkStatusFailed    BulkStatus = "failed"
	BulkStatusCancelled BulkStatus = "cancelled"
	BulkStatusPartial   BulkStatus = "partial"
)

// TaskResult is the immutable outcome of one target within a bulk operation.
type TaskResult struct {
	Target     string        `json:"target"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// BulkOperation aggregates one operation kind fanned out across many targets.
// Invariant: Completed == Successful + Failed and Completed <= Total() at
// every observation point.
type BulkOperation struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	Targets       []string      `json:"targets"`
	Status        BulkStatus    `json:"status"`
	Results       []TaskResult  `json:"results"`
	Completed     int           `json:"completed"`
	Successful    int           `json:"successful"`
	Failed        int           `json:"failed"`
	CurrentTarget string        `json:"current_target,omitempty"`
	EstimatedLeft time.Duration `json:"estimated_left,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// Total returns the number of targets the operation was submitted with.
func (o *BulkOperation) Total() int {
	return len(o.Targets)
}

// IsTerminal reports whether the operation has settled.
func (o *BulkOperation) IsTerminal() bool {
	switch o.Status {
	case BulkStatusCompleted, BulkStatusFailed, BulkStatusCancelled, BulkStatusPartial:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy safe to hand to callers while workers keep
// mutating the original under the coordinator's lock.
func (o *BulkOperation) Clone() *BulkOperation {
	clone := *o
	clone.Targets = append([]string(nil), o.Targets...)
	clone.Results = append([]TaskResult(nil), o.Results...)

	if o.FinishedAt != nil {
		finished := *o.FinishedAt
		clone.FinishedAt = &finished
	}

	return &clone
}
