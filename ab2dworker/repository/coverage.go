package repository

import (
	"context"
	"time"

	"github.com/jagveer-loky/ab2d/ab2d/models"
)

// CoverageRepository persists the enrollment side of the system: coverage
// periods, their audit events, the queued search work, and the membership
// rows themselves.
type CoverageRepository interface {
	// CreateCoveragePeriod inserts the period if it does not already exist
	// for (contract, month, year).
	CreateCoveragePeriod(ctx context.Context, period models.CoveragePeriod) error

	GetCoveragePeriod(ctx context.Context, contractNumber string, month, year int) (*models.CoveragePeriod, error)
	GetCoveragePeriodByID(ctx context.Context, periodID int) (*models.CoveragePeriod, error)
	GetCoveragePeriodsByContract(ctx context.Context, contractNumber string) ([]models.CoveragePeriod, error)
	GetAllCoveragePeriods(ctx context.Context) ([]models.CoveragePeriod, error)

	// GetLastCoverageEvent returns the most recent status-transition event
	// for the period, or nil when the period has never been searched.
	GetLastCoverageEvent(ctx context.Context, periodID int) (*models.CoverageSearchEvent, error)

	// UpdateCoverageStatus moves the period to newStatus and appends a
	// CoverageSearchEvent recording the change. It returns the created
	// event. Transition legality is the caller's concern.
	UpdateCoverageStatus(ctx context.Context, periodID int, newStatus models.JobStatus, description string) (*models.CoverageSearchEvent, error)

	// ResetStuckCoveragePeriod forces an in-flight period back to SUBMITTED
	// regardless of the state machine, recording a reset event. Used only
	// for searches stuck past the staleness deadline.
	ResetStuckCoveragePeriod(ctx context.Context, periodID int, description string) error

	// SubmitCoverageSearch enqueues a refresh for the period unless one is
	// already pending; it reports whether a row was created.
	SubmitCoverageSearch(ctx context.Context, search models.CoverageSearch) (bool, error)

	// ClaimNextCoverageSearch removes and returns a single queued search,
	// preferring periods whose contract has an active export job. It returns
	// ErrNoSearchAvailable when the queue is empty. Concurrent callers never
	// receive the same search.
	ClaimNextCoverageSearch(ctx context.Context) (*models.CoverageSearch, error)

	// InsertCoverage stores one page of membership rows tagged with the
	// in-progress search event's generation.
	InsertCoverage(ctx context.Context, periodID int, searchEventID int64, benes []models.Identifiers) error

	// DeletePreviousGeneration removes membership rows for the period from
	// any generation other than keepEventID.
	DeletePreviousGeneration(ctx context.Context, periodID int, keepEventID int64) error

	// DeleteGeneration removes the membership rows a single search event
	// inserted. Used to roll back the pages a failed search committed.
	DeleteGeneration(ctx context.Context, periodID int, searchEventID int64) error

	// GetCoverageSummaries pages beneficiaries covered under the contract,
	// merging enrollment date ranges per beneficiary. cursor is the last
	// beneficiary ID of the previous page (empty to start). Only rows from
	// each period's completed generation are read; pages an in-flight or
	// failed search committed are invisible.
	GetCoverageSummaries(ctx context.Context, contractNumber string, cursor string, limit int) ([]models.CoverageSummary, error)

	// CountCoverage returns the number of distinct beneficiaries recorded
	// for the period's current generation.
	CountCoverage(ctx context.Context, periodID int) (int, error)

	// GetPendingSearchCounts returns, per period ID, how many non-terminal
	// search submissions exist. Used by verification.
	GetPendingSearchCounts(ctx context.Context) (map[int]int, error)
}

// LockRepository provides named, TTL-bounded advisory locks shared by every
// worker process.
type LockRepository interface {
	// AcquireLock takes the named lock for the owner if it is free or its
	// previous holder's TTL has lapsed. It reports whether the lock was won.
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock frees the named lock if held by owner.
	ReleaseLock(ctx context.Context, name, owner string) error
}
