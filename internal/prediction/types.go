package prediction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput = errors.New("prediction: invalid input")
	ErrNotFound     = errors.New("prediction: not found")
	ErrDuplicateID  = errors.New("prediction: duplicate id")
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Failure reasons recorded in ErrorMessage prefixes.
const (
	ReasonValidation    = "validation"
	ReasonEnqueueFailed = "enqueue_failed"
	ReasonDeadLetter    = "dlq"
)

// Metrics keys populated on completion.
const (
	MetricModelVersion    = "model_version"
	MetricExperimentGroup = "experiment_group"
	MetricRowCount        = "row_count"
	MetricProcessingSecs  = "processing_seconds"
	MetricMeanChurnProb   = "mean_churn_probability"
	MetricValidationWarns = "validation_warnings"
)

// Prediction is one scoring job over one upload. Its row is the idempotency
// anchor across the queue boundary: workers transition it with conditional
// updates and treat a lost race as someone else's win.
type Prediction struct {
	ID             string
	UploadID       int64
	Tenant         string
	Status         Status
	OutputBlobKey  string
	RowsProcessed  *int64
	Metrics        map[string]any
	ErrorMessage   string
	QueueMessageID string
	WorkerID       string
	HeartbeatAt    *time.Time
	QueuedAt       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (p Prediction) Validate() error {
	if _, err := uuid.Parse(p.ID); err != nil {
		return fmt.Errorf("%w: id %q is not a UUID", ErrInvalidInput, p.ID)
	}
	if p.UploadID <= 0 {
		return fmt.Errorf("%w: upload id must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Tenant) == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, p.Status)
	}
	if p.Status == StatusCompleted && p.OutputBlobKey == "" {
		return fmt.Errorf("%w: completed prediction requires output blob key", ErrInvalidInput)
	}
	if p.Status == StatusFailed && p.ErrorMessage == "" {
		return fmt.Errorf("%w: failed prediction requires error message", ErrInvalidInput)
	}
	return nil
}
