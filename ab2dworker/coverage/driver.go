package coverage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/ab2d/constants"
	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2d/utils"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

// Driver owns the bookkeeping side of coverage synchronization: making sure a
// CoveragePeriod exists for every contract-month, deciding which periods are
// stale enough to refresh, and answering whether a job's coverage is fresh
// enough to start processing.
type Driver struct {
	repo         repository.Repository
	coverageRepo repository.CoverageRepository
	logger       logrus.FieldLogger

	now func() time.Time
}

func NewDriver(repo repository.Repository, coverageRepo repository.CoverageRepository, logger logrus.FieldLogger) *Driver {
	return &Driver{repo: repo, coverageRepo: coverageRepo, logger: logger, now: time.Now}
}

// DiscoverCoveragePeriods ensures a CoveragePeriod row exists for every month
// from each contract's attestation through the current month. Safe to run
// repeatedly; existing periods are left untouched.
func (d *Driver) DiscoverCoveragePeriods(ctx context.Context) error {
	contracts, err := d.repo.GetAttestedContracts(ctx)
	if err != nil {
		return errors.Wrap(err, "could not retrieve attested contracts")
	}

	for _, contract := range contracts {
		if contract.UpdateMode == constants.UpdateModeNone {
			continue
		}
		for _, my := range monthsBetween(*contract.AttestedOn, d.now()) {
			period := models.CoveragePeriod{
				ContractNumber: contract.ContractNumber,
				Month:          my.month,
				Year:           my.year,
				Status:         models.JobStatusSubmitted,
			}
			if err := d.coverageRepo.CreateCoveragePeriod(ctx, period); err != nil {
				return errors.Wrapf(err, "could not create coverage period for %s %d/%d",
					contract.ContractNumber, my.month, my.year)
			}
		}
	}
	return nil
}

// QueueStaleCoveragePeriods walks every known period and enqueues a refresh
// for the ones whose cached enrollment can no longer be trusted. Searches
// wedged in flight past the stuck threshold are forced back to SUBMITTED
// before requeueing.
func (d *Driver) QueueStaleCoveragePeriods(ctx context.Context) error {
	periods, err := d.coverageRepo.GetAllCoveragePeriods(ctx)
	if err != nil {
		return errors.Wrap(err, "could not retrieve coverage periods")
	}

	var (
		stuckThreshold = time.Duration(utils.GetEnvInt("COVERAGE_STUCK_HOURS", 24)) * time.Hour
		lookbackMonths = utils.GetEnvInt("COVERAGE_LOOKBACK_MONTHS", 3)
		override       = utils.GetEnvBool("COVERAGE_OVERRIDE", false)
		now            = d.now()
		queued         int
	)

	for _, period := range periods {
		eligible, err := d.isStale(ctx, period, now, stuckThreshold, lookbackMonths, override)
		if err != nil {
			return err
		}
		if !eligible {
			continue
		}

		created, err := d.coverageRepo.SubmitCoverageSearch(ctx, models.CoverageSearch{PeriodID: period.ID})
		if err != nil {
			return errors.Wrapf(err, "could not queue coverage search for period %d", period.ID)
		}
		if created {
			queued++
		}
	}

	d.logger.Infof("queued %d stale coverage periods of %d inspected", queued, len(periods))
	return nil
}

func (d *Driver) isStale(ctx context.Context, period models.CoveragePeriod, now time.Time,
	stuckThreshold time.Duration, lookbackMonths int, override bool) (bool, error) {

	switch period.Status {
	case models.JobStatusFailed, models.JobStatusCancelled:
		return true, nil

	case models.JobStatusSubmitted, models.JobStatusInProgress:
		event, err := d.coverageRepo.GetLastCoverageEvent(ctx, period.ID)
		if err != nil {
			return false, errors.Wrapf(err, "could not retrieve last event for period %d", period.ID)
		}
		if event == nil {
			// Discovery created the row but no search ever ran
			return true, nil
		}
		if now.Sub(event.CreatedAt) > stuckThreshold {
			d.logger.Warnf("coverage period %d stuck in %s since %s, forcing back to %s",
				period.ID, period.Status, event.CreatedAt.Format(time.RFC3339), models.JobStatusSubmitted)
			description := fmt.Sprintf("search stuck since %s, reset by staleness check", event.CreatedAt.Format(time.RFC3339))
			if err := d.coverageRepo.ResetStuckCoveragePeriod(ctx, period.ID, description); err != nil {
				return false, errors.Wrapf(err, "could not reset stuck period %d", period.ID)
			}
			return true, nil
		}
		// A fresh search is already in flight
		return false, nil

	case models.JobStatusSuccessful:
		if periodOlderThan(period, now, lookbackMonths) {
			// Settled month, never re-checked
			return false, nil
		}
		if override {
			return true, nil
		}
		return period.LastSuccessful == nil || period.LastSuccessful.Before(weeklyBoundary(now)), nil

	default:
		return true, nil
	}
}

// IsCoverageAvailable reports whether every coverage period the job depends
// on, attestation through the current month, holds a successful refresh.
// Enrollment freshness deliberately ignores the job's since filter. Missing
// periods are created and queued before returning false.
func (d *Driver) IsCoverageAvailable(ctx context.Context, job *models.Job) (bool, error) {
	contracts, err := d.jobContracts(ctx, job)
	if err != nil {
		return false, err
	}

	available := true
	for _, contract := range contracts {
		periods, err := d.coverageRepo.GetCoveragePeriodsByContract(ctx, contract.ContractNumber)
		if err != nil {
			return false, errors.Wrapf(err, "could not retrieve coverage periods for contract %s", contract.ContractNumber)
		}
		index := make(map[monthYear]models.CoveragePeriod, len(periods))
		for _, p := range periods {
			index[monthYear{p.Month, p.Year}] = p
		}

		for _, my := range monthsBetween(*contract.AttestedOn, d.now()) {
			period, ok := index[my]
			if !ok {
				if err := d.queueMissingPeriod(ctx, contract.ContractNumber, my); err != nil {
					return false, err
				}
				available = false
				continue
			}
			if period.Status != models.JobStatusSuccessful || period.LastSuccessful == nil {
				available = false
			}
		}
	}
	return available, nil
}

func (d *Driver) jobContracts(ctx context.Context, job *models.Job) ([]*models.Contract, error) {
	if job.ContractNumber == nil {
		// No contract on the job means every contract visible to the client
		all, err := d.repo.GetAttestedContracts(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "could not retrieve attested contracts")
		}
		contracts := make([]*models.Contract, 0, len(all))
		for i := range all {
			if all[i].UpdateMode != constants.UpdateModeNone {
				contracts = append(contracts, &all[i])
			}
		}
		return contracts, nil
	}

	contract, err := d.repo.GetContract(ctx, *job.ContractNumber)
	if err != nil {
		return nil, errors.Wrapf(err, "could not retrieve contract %s", *job.ContractNumber)
	}
	if !contract.HasAttestation() {
		return nil, fmt.Errorf("contract %s has no attestation", contract.ContractNumber)
	}
	return []*models.Contract{contract}, nil
}

func (d *Driver) queueMissingPeriod(ctx context.Context, contractNumber string, my monthYear) error {
	period := models.CoveragePeriod{
		ContractNumber: contractNumber,
		Month:          my.month,
		Year:           my.year,
		Status:         models.JobStatusSubmitted,
	}
	if err := d.coverageRepo.CreateCoveragePeriod(ctx, period); err != nil {
		return errors.Wrapf(err, "could not create coverage period for %s %d/%d", contractNumber, my.month, my.year)
	}

	created, err := d.coverageRepo.GetCoveragePeriod(ctx, contractNumber, my.month, my.year)
	if err != nil {
		return errors.Wrapf(err, "could not retrieve coverage period for %s %d/%d", contractNumber, my.month, my.year)
	}
	if _, err := d.coverageRepo.SubmitCoverageSearch(ctx, models.CoverageSearch{PeriodID: created.ID}); err != nil {
		return errors.Wrapf(err, "could not queue coverage search for period %d", created.ID)
	}
	return nil
}

type monthYear struct {
	month, year int
}

// monthsBetween lists every calendar month from the month of start through
// the month of end, inclusive.
func monthsBetween(start, end time.Time) []monthYear {
	var months []monthYear
	cursor := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cursor.After(last) {
		months = append(months, monthYear{int(cursor.Month()), cursor.Year()})
		cursor = cursor.AddDate(0, 1, 0)
	}
	return months
}

// periodOlderThan reports whether the period's month fell out of the
// look-back window ending at now's month.
func periodOlderThan(period models.CoveragePeriod, now time.Time, months int) bool {
	periodStart := time.Date(period.Year, time.Month(period.Month), 1, 0, 0, 0, 0, time.UTC)
	cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -months, 0)
	return periodStart.Before(cutoff)
}

// weeklyBoundary returns the most recent cutover instant: midnight UTC of the
// configured weekday. Upstream refreshes its enrollment data on a weekly
// cycle, so a success before the boundary predates the latest upstream data.
func weeklyBoundary(now time.Time) time.Time {
	weekday := utils.GetEnvInt("COVERAGE_REFRESH_WEEKDAY", int(time.Tuesday))
	boundary := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for int(boundary.Weekday()) != weekday%7 {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}
