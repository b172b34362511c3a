package jobs

import (
	"strings"
	"time"

	"loom/internal/task"
)

// Status is the job-level lifecycle.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusPartialFailure Status = "partial_failure"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// CancelledReason is the error message recorded when a job is cancelled.
const CancelledReason = "cancelled"

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusPartialFailure,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the job still has work scheduled or in flight.
// partial_failure counts as active: the job continues degraded.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning || s == StatusPartialFailure
}

// StageStatus is the per-stage lifecycle within a job.
type StageStatus string

const (
	StagePending      StageStatus = "pending"
	StageRunning      StageStatus = "running"
	StageRetrying     StageStatus = "retrying"
	StageSucceeded    StageStatus = "succeeded"
	StageDeadLettered StageStatus = "dead_lettered"
	StageSkipped      StageStatus = "skipped"
)

// InFlight reports whether the stage has been emitted but has no terminal
// outcome yet.
func (s StageStatus) InFlight() bool {
	return s == StagePending || s == StageRunning || s == StageRetrying
}

// Terminal reports whether the stage has reached a final outcome.
func (s StageStatus) Terminal() bool {
	return s == StageSucceeded || s == StageDeadLettered || s == StageSkipped
}

// Job is the root unit requested by a client.
type Job struct {
	ID             string
	DisplayTitle   string
	Topic          string
	PayloadJSON    string
	RequiredStages []string
	Status         Status
	// Priority overrides the per-stage class when set; empty means each
	// stage routes at its declared class.
	Priority      task.Priority
	Paused        bool
	FailingStage  string
	ErrorMessage  string
	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// StageResult is one (job, stage) row: the lease, retry bookkeeping, and
// eventual outcome for that unit of work.
type StageResult struct {
	ID             int64
	JobID          string
	Stage          string
	Status         StageStatus
	Attempt        int
	MaxAttempts    int
	IdempotencyKey string
	ResultRef      string
	LastError      string
	EnvelopeJSON   string
	NextRetryAt    *time.Time
	LeaseOwner     string
	LeaseHeartbeat *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeadLetter records a stage that exhausted its retry budget. Rows survive a
// stage restart as history.
type DeadLetter struct {
	ID           int64
	JobID        string
	Stage        string
	Attempts     int
	LastError    string
	EnvelopeJSON string
	Critical     bool
	CreatedAt    time.Time
}

// HealthSummary aggregates job counts per lifecycle bucket.
type HealthSummary struct {
	Total       int
	Pending     int
	Active      int
	Degraded    int
	Completed   int
	Failed      int
	DeadLetters int
}

// DatabaseHealth captures diagnostic information about the job database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	TablesPresent    []string
	IntegrityCheck   bool
	TotalJobs        int
	Error            string
}
