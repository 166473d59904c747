// Package storage defines the run-record store the runner persists job
// history to. The engine itself never touches storage; the runner records
// around each run.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run id has no record.
var ErrNotFound = errors.New("run not found")

// RunState is the lifecycle of a persisted run record.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateSuccess RunState = "success"
	RunStateFailed  RunState = "failed"
)

// RunRecord is one pipeline execution.
type RunRecord struct {
	ID           string     `db:"id" json:"id"`
	Pipeline     string     `db:"pipeline" json:"pipeline"`
	State        RunState   `db:"state" json:"state"`
	FailureKind  string     `db:"failure_kind" json:"failure_kind,omitempty"`
	Error        string     `db:"error" json:"error,omitempty"`
	ProducerCode *int       `db:"producer_code" json:"producer_code,omitempty"`
	ConsumerCode *int       `db:"consumer_code" json:"consumer_code,omitempty"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	EndedAt      *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// RunStore persists run records.
type RunStore interface {
	// CreateRun inserts a new record in the running state.
	CreateRun(ctx context.Context, rec *RunRecord) error
	// CompleteRun updates the terminal fields of an existing record.
	CompleteRun(ctx context.Context, rec *RunRecord) error
	// GetRun fetches one record by id.
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	// ListRuns returns the most recent records, newest first.
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)
	Close() error
}
