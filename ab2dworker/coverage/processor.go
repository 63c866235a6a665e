package coverage

import (
	"context"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/ab2d/client"
	"github.com/jagveer-loky/ab2d/ab2d/constants"
	"github.com/jagveer-loky/ab2d/ab2d/eventlogger"
	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2d/monitoring"
	"github.com/jagveer-loky/ab2d/ab2d/utils"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

// Processor drains the coverage search queue: it claims one pending search
// under the shared claim lock, pages the period's enrollment from BFD, and
// lands the rows as a fresh generation.
type Processor struct {
	coverageRepo repository.CoverageRepository
	locks        repository.LockRepository
	bfd          client.APIClient
	events       eventlogger.EventLogger
	logger       logrus.FieldLogger

	// owner identifies this worker process to the lock table
	owner string
}

func NewProcessor(coverageRepo repository.CoverageRepository, locks repository.LockRepository,
	bfd client.APIClient, events eventlogger.EventLogger, logger logrus.FieldLogger) *Processor {
	return &Processor{
		coverageRepo: coverageRepo,
		locks:        locks,
		bfd:          bfd,
		events:       events,
		logger:       logger,
		owner:        uuid.New(),
	}
}

// ProcessNextSearch claims and executes one queued coverage search. It
// returns repository.ErrNoSearchAvailable when the queue is empty and
// repository.ErrLockTimeout when another process holds the claim lock for
// the whole wait window; callers treat both as "try again later".
func (p *Processor) ProcessNextSearch(ctx context.Context) error {
	defer monitoring.StartSegment(ctx, "coverage.ProcessNextSearch").End()

	search, err := p.getNextSearch(ctx)
	if err != nil {
		return err
	}

	period, err := p.coverageRepo.GetCoveragePeriodByID(ctx, search.PeriodID)
	if err != nil {
		return errors.Wrapf(err, "could not retrieve coverage period %d", search.PeriodID)
	}

	event, err := p.coverageRepo.UpdateCoverageStatus(ctx, period.ID, models.JobStatusInProgress,
		fmt.Sprintf("search claimed by %s", p.owner))
	if err != nil {
		return errors.Wrapf(err, "could not mark coverage period %d in progress", period.ID)
	}

	inserted, err := p.searchEnrollment(ctx, period, event.ID)
	if err != nil {
		// Roll back the pages this generation already landed; a failed
		// search leaves the previous successful generation untouched.
		if delErr := p.coverageRepo.DeleteGeneration(ctx, period.ID, event.ID); delErr != nil {
			p.logger.Errorf("failed to delete partial coverage generation for period %d: %s", period.ID, delErr.Error())
		}
		detail := fmt.Sprintf("enrollment search failed: %s", err)
		if _, statusErr := p.coverageRepo.UpdateCoverageStatus(ctx, period.ID, models.JobStatusFailed, detail); statusErr != nil {
			p.logger.Errorf("failed to mark coverage period %d failed: %s", period.ID, statusErr.Error())
		}
		return errors.Wrapf(err, "coverage search for period %d failed", period.ID)
	}

	if _, err := p.coverageRepo.UpdateCoverageStatus(ctx, period.ID, models.JobStatusSuccessful,
		fmt.Sprintf("search completed, %d beneficiaries", inserted)); err != nil {
		return errors.Wrapf(err, "could not mark coverage period %d successful", period.ID)
	}

	// Retain exactly one generation of rows for the period
	if err := p.coverageRepo.DeletePreviousGeneration(ctx, period.ID, event.ID); err != nil {
		return errors.Wrapf(err, "could not delete previous coverage generation for period %d", period.ID)
	}

	p.events.LogContractSearchSummary(period.ContractNumber, period.ID, inserted, inserted, 0)
	return nil
}

// getNextSearch claims one pending search under the shared lock. Acquisition
// retries with exponential backoff for a bounded window; the lock is released
// on every exit path, and its TTL covers a holder that dies without
// releasing.
func (p *Processor) getNextSearch(ctx context.Context) (*models.CoverageSearch, error) {
	var (
		ttl     = time.Duration(utils.GetEnvInt("SEARCH_LOCK_TTL_MINUTES", 5)) * time.Minute
		maxWait = time.Duration(utils.GetEnvInt("SEARCH_LOCK_WAIT_SECONDS", 30)) * time.Second
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = maxWait

	err := backoff.Retry(func() error {
		won, err := p.locks.AcquireLock(ctx, constants.CoverageSearchClaimLock, p.owner, ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !won {
			return repository.ErrLockTimeout
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if goerrors.Is(err, repository.ErrLockTimeout) {
			return nil, repository.ErrLockTimeout
		}
		return nil, errors.Wrap(err, "could not acquire coverage search claim lock")
	}

	defer func() {
		if err := p.locks.ReleaseLock(ctx, constants.CoverageSearchClaimLock, p.owner); err != nil {
			p.logger.Warnf("failed to release coverage search claim lock: %s", err.Error())
		}
	}()

	return p.coverageRepo.ClaimNextCoverageSearch(ctx)
}

// searchEnrollment pages the period's membership from BFD and inserts each
// page tagged with the claiming event's generation.
func (p *Processor) searchEnrollment(ctx context.Context, period *models.CoveragePeriod, eventID int64) (int, error) {
	defer monitoring.StartSegment(ctx, "coverage.searchEnrollment").End()

	bundle, err := p.bfd.GetEnrollment(period.ContractNumber, period.Month, period.Year)
	if err != nil {
		return 0, errors.Wrapf(err, "could not retrieve enrollment for contract %s %d/%d",
			period.ContractNumber, period.Month, period.Year)
	}

	inserted := 0
	for {
		if err := ctx.Err(); err != nil {
			return inserted, err
		}

		benes := make([]models.Identifiers, 0, len(bundle.Entries))
		for _, entry := range bundle.Entries {
			beneID, currentMBI, historicMBIs := entry.PatientIdentifiers()
			if beneID == "" {
				continue
			}
			benes = append(benes, models.Identifiers{
				BeneficiaryID: beneID,
				CurrentMBI:    currentMBI,
				HistoricMBIs:  historicMBIs,
			})
		}
		if err := p.coverageRepo.InsertCoverage(ctx, period.ID, eventID, benes); err != nil {
			return inserted, errors.Wrapf(err, "could not insert coverage page for period %d", period.ID)
		}
		inserted += len(benes)

		if bundle.NextLink() == "" {
			return inserted, nil
		}
		if bundle, err = p.bfd.GetNextBundle(bundle); err != nil {
			return inserted, errors.Wrapf(err, "could not retrieve next enrollment page for period %d", period.ID)
		}
	}
}
