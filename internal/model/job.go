package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Failure reason tags recorded on terminally failed jobs
const (
	FailReasonExtraction = "extraction"
	FailReasonMapping    = "mapping"
	FailReasonSave       = "save"
	FailReasonTimeout    = "timeout"
)

// Job represents one uploaded BMS snapshot working its way through the
// analysis pipeline. The stored job document is the only shared mutable
// state between the shepherd and workers; all coordination happens through
// conditional updates on it.
type Job struct {
	ID               string          `json:"id"`
	FileName         string          `json:"fileName"`
	Status           JobStatus       `json:"status"`
	FailureReason    string          `json:"failureReason,omitempty"`
	ImagePayload     []byte          `json:"imagePayload,omitempty"` // cleared at checkpoint and terminal states
	ImageContentType string          `json:"imageContentType,omitempty"`
	ExtractedData    json.RawMessage `json:"extractedData,omitempty"` // checkpoint payload
	RetryCount       int             `json:"retryCount"`
	CreatedAt        time.Time       `json:"createdAt"`
	StatusEnteredAt  time.Time       `json:"statusEnteredAt"`
	LastHeartbeat    time.Time       `json:"lastHeartbeat"`
	Error            *string         `json:"error,omitempty"`
	RecordID         *string         `json:"recordId,omitempty"`
}

// StatusLabel renders the human-readable status string clients poll for.
// Failed jobs carry their reason in the label, e.g. "failed_timeout".
func (j *Job) StatusLabel() string {
	if j.Status == JobStatusFailed {
		if j.FailureReason != "" {
			return fmt.Sprintf("failed_%s", j.FailureReason)
		}
		return string(JobStatusFailed)
	}
	return string(j.Status)
}

// Stalled reports whether the job looks abandoned mid-stage: claimed but
// with no heartbeat since the stage timeout.
func (j *Job) Stalled(now time.Time, stageTimeout time.Duration) bool {
	if j.Status.IsTerminal() || j.Status == JobStatusQueued {
		return false
	}
	return now.Sub(j.LastHeartbeat) > stageTimeout
}

// ShepherdState is the scheduler's persisted self-protection record. It is
// a singleton document, not tied to any job.
type ShepherdState struct {
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailureReason   string    `json:"lastFailureReason,omitempty"`
	BreakerTrippedUntil time.Time `json:"breakerTrippedUntil,omitempty"`
}
