package model

import "time"

// SubmittedJob describes a job created for one uploaded file
type SubmittedJob struct {
	JobID    string    `json:"jobId"`
	FileName string    `json:"fileName"`
	Status   JobStatus `json:"status"`
	Upgrade  bool      `json:"upgrade,omitempty"` // true when the file replaces an incomplete stored record
}

// SkippedFile describes an upload classified as a true duplicate
type SkippedFile struct {
	FileName string `json:"fileName"`
	RecordID string `json:"recordId,omitempty"` // existing record, when known
}

// SubmitResponse reports the outcome of a snapshot batch submission
type SubmitResponse struct {
	Jobs       []SubmittedJob `json:"jobs"`
	Duplicates []SkippedFile  `json:"duplicates"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// JobStatusRequest asks for the status of a batch of jobs
type JobStatusRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=100,dive,required"`
}

// JobStatusView is the sanitized projection of a job returned to polling
// clients. Binary payloads are never included.
type JobStatusView struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Phase    JobPhase `json:"phase"`
	Error    *string  `json:"error,omitempty"`
	RecordID *string  `json:"recordId,omitempty"`
}

// JobStatusResponse wraps the batch status projection
type JobStatusResponse struct {
	Statuses []JobStatusView `json:"statuses"`
}

// RegisterSystemRequest registers a battery installation for matching
type RegisterSystemRequest struct {
	DeviceID  string   `json:"deviceId" validate:"required,min=1,max=128"`
	Name      string   `json:"name" validate:"max=200"`
	Latitude  *float64 `json:"latitude" validate:"omitempty,min=-90,max=90"`
	Longitude *float64 `json:"longitude" validate:"omitempty,min=-180,max=180"`
}

// BreakerView is the admin projection of one circuit breaker's state
type BreakerView struct {
	Key                 string     `json:"key"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	OpenUntil           *time.Time `json:"openUntil,omitempty"`
}
