package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunKind names the top-level operation a run ledger row describes.
type RunKind string

// Run kinds persisted in crawl_runs.kind.
const (
	KindTraversal RunKind = "traversal"
	KindSearch    RunKind = "search"
	KindEvent     RunKind = "event"
	KindPool      RunKind = "pool"
)

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunUsageCap RunStatus = "usage_cap"
	RunError    RunStatus = "error"
)

// Counters summarize the work of one run.
type Counters struct {
	// Calls counts API requests.
	Calls int64
	// Items counts traversal nodes or finished pool jobs.
	Items int64
	// Failures counts steps that ended without setting a completion flag.
	Failures int64
}

// Run models one crawl_runs row.
type Run struct {
	ID     uuid.UUID
	Kind   RunKind
	Target string
	// StartedAt captures when the run was recorded as running.
	StartedAt time.Time
	// FinishedAt is nil while the run is in progress.
	FinishedAt *time.Time
	Status     RunStatus
	Counters
	ErrorMessage *string
}

// ListFilter narrows ListRuns. Nil fields match everything.
type ListFilter struct {
	Kind   *RunKind
	Status *RunStatus
	Limit  int
	Offset int
}

// RunRepository persists the run ledger.
type RunRepository interface {
	// StartRun inserts a running row.
	StartRun(ctx context.Context, run Run) error
	// FinishRun records the final status, counters and optional error.
	FinishRun(
		ctx context.Context,
		id uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		counters Counters,
		errMsg *string,
	) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter ListFilter) ([]Run, error)
}
