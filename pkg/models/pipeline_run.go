package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the status of a stage run
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
)

// ErrorType classifies a failed stage run
type ErrorType string

const (
	ErrorTypeTransient ErrorType = "transient"
	ErrorTypePermanent ErrorType = "permanent"
	ErrorTypeAuth      ErrorType = "auth"
	ErrorTypeLocked    ErrorType = "locked"
)

// SkipReason explains why a stage did not execute
type SkipReason string

const (
	SkipReasonDisabled  SkipReason = "disabled"
	SkipReasonNoNewData SkipReason = "no_new_data"
)

// RunWindow is the date range a run covered
type RunWindow struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// PipelineRun tracks one stage execution of one table
type PipelineRun struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	RunID        string      `db:"run_id" json:"run_id"`
	Namespace    string      `db:"namespace" json:"namespace"`
	Table        string      `db:"table_name" json:"table_name"`
	Stage        string      `db:"stage" json:"stage"`
	Status       RunStatus   `db:"status" json:"status"`
	Attempt      int         `db:"attempt" json:"attempt"`
	Records      int         `db:"records" json:"records"`
	HasNewData   *bool       `db:"has_new_data" json:"has_new_data,omitempty"`
	SkipReason   *SkipReason `db:"skip_reason" json:"skip_reason,omitempty"`
	StartedAt    time.Time   `db:"started_at" json:"started_at"`
	CompletedAt  *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	DurationMs   *int64      `db:"duration_ms" json:"duration_ms,omitempty"`
	ErrorMessage *string     `db:"error_message" json:"error_message,omitempty"`
	ErrorType    *ErrorType  `db:"error_type" json:"error_type,omitempty"`
	TraceID      *string     `db:"trace_id" json:"trace_id,omitempty"`
	Window       RunWindow   `db:"-" json:"window"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// Key is namespace.table
func (r *PipelineRun) Key() string {
	return r.Namespace + "." + r.Table
}
