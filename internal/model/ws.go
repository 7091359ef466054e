package model

// WebSocket message types for live job status push
const (
	WSMessageTypeStatus   = "status"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage is the generic envelope for client-originated frames
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage announces a job status change
type WSStatusMessage struct {
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// WSCompleteMessage announces a completed job and its record
type WSCompleteMessage struct {
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	RecordID string `json:"recordId"`
}

// WSError carries an error payload
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WSErrorMessage announces a terminally failed job
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}
