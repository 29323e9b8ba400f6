package types

import (
	"time"
)

// Status texts reported for a finished script
const (
	StatusOK       = "ok"
	StatusNonZero  = "script exited with non-zero status code"
	StatusTimedOut = "timed out"
)

// Outcome classifies how a script run ended
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeKilled
)

// String returns the log/metrics label for the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// StatusText returns the client-facing status message for the outcome
func (o Outcome) StatusText() string {
	switch o {
	case OutcomeFailed:
		return StatusNonZero
	case OutcomeKilled:
		return StatusTimedOut
	default:
		return StatusOK
	}
}

// ProcessStatus represents the raw exit diagnostics of a subprocess
type ProcessStatus struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Signal  string `json:"signal,omitempty"`
}

// ScriptResult represents the response body of a script run
type ScriptResult struct {
	Stdout string        `json:"stdout"`
	Stderr string        `json:"stderr"`
	Status string        `json:"status"`
	Debug  ProcessStatus `json:"debug"`
}

// ErrorResponse represents an orchestrator rejection body
type ErrorResponse struct {
	Status string `json:"status"`
}

// VersionInfo represents the service and sandbox runtime versions
type VersionInfo struct {
	Message        string `json:"message"`
	Runtime        string `json:"runtime"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
}

// HistoryRecord represents one finished run stored in the execution history
type HistoryRecord struct {
	ScriptID   string    `json:"script_id"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Killed     bool      `json:"killed"`
	Size       int       `json:"size"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type    string      `json:"type"`
	Stream  string      `json:"stream,omitempty"`
	Data    string      `json:"data,omitempty"`
	Status  string      `json:"status,omitempty"`
	Error   string      `json:"error,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Script identifies a persisted submission
type Script struct {
	ID   string
	Path string
}
