package model

import (
	"time"
)

// AttemptResult is the outcome of one HTTP attempt within a firing's
// retry sequence. Body is size-capped before it is stored or hashed.
type AttemptResult struct {
	RequestID    string        `json:"request_id"`
	ScheduleID   string        `json:"schedule_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Success      bool          `json:"success"`
	StatusCode   int           `json:"status_code,omitempty"` // zero on transport failure
	ResponseTime time.Duration `json:"response_time"`
	Attempt      int           `json:"attempt"`
	Error        string        `json:"error,omitempty"`
	Body         []byte        `json:"response_body,omitempty"`
	BodyHash     string        `json:"body_hash,omitempty"`
}

// HistoryRecord is the persisted projection of an AttemptResult.
// Records are append-only and never mutated after write.
type HistoryRecord struct {
	ID           int64         `json:"id"`
	RequestID    string        `json:"request_id"`
	ScheduleID   string        `json:"schedule_id"`
	ScheduleName string        `json:"schedule_name"`
	Timestamp    time.Time     `json:"timestamp"`
	URL          string        `json:"url"`
	Method       string        `json:"method"`
	Success      bool          `json:"success"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Attempt      int           `json:"attempt"`
	Error        string        `json:"error,omitempty"`
	Body         string        `json:"response_body,omitempty"`
	BodyHash     string        `json:"body_hash,omitempty"`
}

// HistoryFilter narrows history queries. Zero values mean "no filter";
// Limit defaults to 100 when unset.
type HistoryFilter struct {
	ScheduleID string
	Success    *bool
	From       time.Time
	To         time.Time
	Limit      int
}

// ScheduleStats aggregates the stored history of one schedule.
type ScheduleStats struct {
	ScheduleID          string        `json:"schedule_id"`
	ScheduleName        string        `json:"schedule_name"`
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastRequestAt       *time.Time    `json:"last_request_at,omitempty"`
	LastSuccessAt       *time.Time    `json:"last_success_at,omitempty"`
}
