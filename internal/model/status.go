package model

// JobStatus identifies where a job sits in the analysis pipeline
type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusProcessing      JobStatus = "processing"
	JobStatusExtracting      JobStatus = "extracting"
	JobStatusExtracted       JobStatus = "extracted" // checkpoint: extraction result persisted, image dropped
	JobStatusMapping         JobStatus = "mapping"
	JobStatusMatchingSystem  JobStatus = "matching_system"
	JobStatusFetchingWeather JobStatus = "fetching_weather"
	JobStatusSaving          JobStatus = "saving"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
)

// StatusNotFound is reported by the status API for ids with no job anywhere.
// StatusUnavailable is reported when a job's document could not be read this
// poll; the job may still be live, so clients should keep polling.
const (
	StatusNotFound    = "not_found"
	StatusUnavailable = "unavailable"
)

// JobPhase is the coarse discriminant clients should branch on instead of
// parsing status strings.
type JobPhase string

const (
	PhasePending   JobPhase = "pending"
	PhaseSucceeded JobPhase = "succeeded"
	PhaseFailed    JobPhase = "failed"
)

// transitions is the closed set of legal status moves. Requeue (stall
// recovery) and failure are legal from every non-terminal state.
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:          {JobStatusProcessing},
	JobStatusProcessing:      {JobStatusExtracting, JobStatusMapping, JobStatusQueued, JobStatusFailed},
	JobStatusExtracting:      {JobStatusExtracted, JobStatusQueued, JobStatusFailed},
	JobStatusExtracted:       {JobStatusMapping, JobStatusQueued, JobStatusFailed},
	JobStatusMapping:         {JobStatusMatchingSystem, JobStatusQueued, JobStatusFailed},
	JobStatusMatchingSystem:  {JobStatusFetchingWeather, JobStatusSaving, JobStatusQueued, JobStatusFailed},
	JobStatusFetchingWeather: {JobStatusSaving, JobStatusQueued, JobStatusFailed},
	JobStatusSaving:          {JobStatusCompleted, JobStatusQueued, JobStatusFailed},
}

// CanTransition reports whether moving a job from one status to another is legal.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s is a known job status.
func IsValidStatus(s JobStatus) bool {
	if s == JobStatusCompleted || s == JobStatusFailed {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether a job in this status will never move again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsCheckpoint reports whether this status marks a durable resume point.
// Binary payloads must not outlive a checkpoint.
func (s JobStatus) IsCheckpoint() bool {
	return s == JobStatusExtracted
}

// Phase collapses the status into the coarse pending/succeeded/failed discriminant.
func (s JobStatus) Phase() JobPhase {
	switch s {
	case JobStatusCompleted:
		return PhaseSucceeded
	case JobStatusFailed:
		return PhaseFailed
	default:
		return PhasePending
	}
}
