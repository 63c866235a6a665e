package models

import (
	"fmt"
	"time"
)

// JobStatus tracks the lifecycle of an export job. The identical state
// machine governs the status of a coverage period search.
type JobStatus string

const (
	JobStatusSubmitted  JobStatus = "SUBMITTED"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusSuccessful JobStatus = "SUCCESSFUL"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccessful || s == JobStatusFailed || s == JobStatusCancelled
}

// ValidateTransition enforces the job/coverage state machine:
// SUBMITTED -> IN_PROGRESS -> {SUCCESSFUL | FAILED}, and
// {SUBMITTED, IN_PROGRESS} -> CANCELLED. Terminal states accept nothing.
func ValidateTransition(from, to JobStatus) error {
	if from.IsTerminal() {
		return InvalidStateTransitionError{From: from, To: to}
	}

	switch to {
	case JobStatusInProgress:
		if from == JobStatusSubmitted {
			return nil
		}
	case JobStatusSuccessful, JobStatusFailed:
		if from == JobStatusInProgress {
			return nil
		}
	case JobStatusCancelled:
		// Both non-terminal states may be cancelled.
		return nil
	}

	return InvalidStateTransitionError{From: from, To: to}
}

type InvalidStateTransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// SinceSource records the provenance of a job's since value.
type SinceSource string

const (
	SinceSourceUser     SinceSource = "USER"
	SinceSourceAB2D     SinceSource = "AB2D"
	SinceSourceFirstRun SinceSource = "FIRST_RUN"
)

type FhirVersion string

const (
	FhirVersionSTU3 FhirVersion = "STU3"
	FhirVersionR4   FhirVersion = "R4"
)

// SupportsDefaultSince reports whether a default since value may be derived
// from the last successful export when the caller did not supply one.
func (v FhirVersion) SupportsDefaultSince() bool {
	return v == FhirVersionR4
}

// Job is one export request. Owned exclusively by the orchestrator while it
// runs; mutated only through the documented status transitions.
type Job struct {
	ID             uint
	JobUUID        string
	OrganizationID string

	// Nil means "all contracts visible to the client"; the preprocessor
	// resolves it before the job starts.
	ContractNumber *string

	Status        JobStatus
	StatusMessage string
	Progress      int
	RequestURL    string
	OutputFormat  string
	FhirVersion   FhirVersion

	Since           *time.Time
	SinceSource     SinceSource
	TransactionTime time.Time

	CreatedAt   time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time

	JobOutputs []JobOutput
}

// JobOutput describes one produced file. Created at job completion;
// immutable afterwards except for the Downloaded flag.
type JobOutput struct {
	ID           uint
	JobID        uint
	FilePath     string
	ResourceType string
	Checksum     string
	FileLength   int64
	Error        bool
	Downloaded   bool
}

type Contract struct {
	ID             uint
	ContractNumber string
	ContractName   string
	AttestedOn     *time.Time
	UpdateMode     string
}

func (c *Contract) HasAttestation() bool {
	return c.AttestedOn != nil
}

// CoveragePeriod identifies one (contract, month, year) triple whose
// enrollment snapshot is cached locally.
type CoveragePeriod struct {
	ID             int
	ContractNumber string
	Month          int
	Year           int
	Status         JobStatus
	LastSuccessful *time.Time
}

// CoverageSearch is a queued unit of work: refresh one coverage period.
// Consumed at most once, guarded by the coverage-search-claim lock.
type CoverageSearch struct {
	ID        int64
	PeriodID  int
	CreatedAt time.Time
}

// CoverageSearchEvent is the append-only audit trail of status transitions
// for a coverage period.
type CoverageSearchEvent struct {
	ID          int64
	PeriodID    int
	OldStatus   JobStatus
	NewStatus   JobStatus
	Description string
	CreatedAt   time.Time
}

type Identifiers struct {
	BeneficiaryID string
	CurrentMBI    string
	HistoricMBIs  []string
}

type DateRange struct {
	Start time.Time
	End   time.Time
}

func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// CoverageSummary is the cached per-beneficiary enrollment record: canonical
// identifiers plus the date ranges during which the beneficiary was actually
// enrolled under the contract.
type CoverageSummary struct {
	Identifiers    Identifiers
	ContractNumber string
	DateRanges     []DateRange
}

// CoveredAt reports whether the beneficiary was enrolled when the claim was
// billable.
func (s CoverageSummary) CoveredAt(t time.Time) bool {
	for _, r := range s.DateRanges {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

// JobEnqueueArgs is the queue payload handed to a worker process.
type JobEnqueueArgs struct {
	ID              int
	JobUUID         string
	ContractNumber  string
	ResourceType    string
	Since           string
	TransactionTime time.Time
	BFDBasePath     string
}
