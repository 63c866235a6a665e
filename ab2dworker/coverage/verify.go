package coverage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/ab2d/eventlogger"
	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2d/utils"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

// Verifier re-scans all coverage state for structural anomalies. It alerts
// and mutates nothing; correcting a finding is an operator decision.
type Verifier struct {
	coverageRepo repository.CoverageRepository
	events       eventlogger.EventLogger
	logger       logrus.FieldLogger

	now func() time.Time
}

func NewVerifier(coverageRepo repository.CoverageRepository, events eventlogger.EventLogger, logger logrus.FieldLogger) *Verifier {
	return &Verifier{coverageRepo: coverageRepo, events: events, logger: logger, now: time.Now}
}

// VerifyCoverage looks for duplicate pending searches, settled months with
// zero enrollment, and month-to-month enrollment swings past the configured
// percentage. December to January swings are expected plan-year turnover and
// get a pass.
func (v *Verifier) VerifyCoverage(ctx context.Context) error {
	var problems []string

	pending, err := v.coverageRepo.GetPendingSearchCounts(ctx)
	if err != nil {
		return errors.Wrap(err, "could not retrieve pending search counts")
	}
	for periodID, count := range pending {
		if count > 1 {
			problems = append(problems, fmt.Sprintf("coverage period %d has %d pending searches", periodID, count))
		}
	}

	periods, err := v.coverageRepo.GetAllCoveragePeriods(ctx)
	if err != nil {
		return errors.Wrap(err, "could not retrieve coverage periods")
	}

	swingPct := utils.GetEnvInt("COVERAGE_SWING_PCT", 25)
	now := v.now()

	var (
		prev      *models.CoveragePeriod
		prevCount int
	)
	for i := range periods {
		period := periods[i]
		if period.Status != models.JobStatusSuccessful {
			prev = nil
			continue
		}

		count, err := v.coverageRepo.CountCoverage(ctx, period.ID)
		if err != nil {
			return errors.Wrapf(err, "could not count coverage for period %d", period.ID)
		}

		if count == 0 && settled(period, now) {
			problems = append(problems, fmt.Sprintf("contract %s %d/%d completed with zero enrollment",
				period.ContractNumber, period.Month, period.Year))
		}

		if prev != nil && consecutive(*prev, period) && prevCount > 0 && !planYearTurnover(*prev, period) {
			if swing := percentChange(prevCount, count); swing > swingPct {
				problems = append(problems, fmt.Sprintf("contract %s enrollment swung %d%% between %d/%d and %d/%d",
					period.ContractNumber, swing, prev.Month, prev.Year, period.Month, period.Year))
			}
		}

		prev = &periods[i]
		prevCount = count
	}

	if len(problems) == 0 {
		v.logger.Info("coverage verification found no anomalies")
		return nil
	}

	for _, problem := range problems {
		v.logger.Warn(problem)
	}
	v.events.Alert(ctx, fmt.Sprintf("coverage verification found %d anomalies: %s",
		len(problems), strings.Join(problems, "; ")))
	return nil
}

// settled reports whether the period's month has fully elapsed.
func settled(period models.CoveragePeriod, now time.Time) bool {
	periodStart := time.Date(period.Year, time.Month(period.Month), 1, 0, 0, 0, 0, time.UTC)
	currentStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return periodStart.Before(currentStart)
}

func consecutive(prev, cur models.CoveragePeriod) bool {
	if prev.ContractNumber != cur.ContractNumber {
		return false
	}
	prevStart := time.Date(prev.Year, time.Month(prev.Month), 1, 0, 0, 0, 0, time.UTC)
	curStart := time.Date(cur.Year, time.Month(cur.Month), 1, 0, 0, 0, 0, time.UTC)
	return prevStart.AddDate(0, 1, 0).Equal(curStart)
}

func planYearTurnover(prev, cur models.CoveragePeriod) bool {
	return prev.Month == 12 && cur.Month == 1
}

func percentChange(from, to int) int {
	delta := to - from
	if delta < 0 {
		delta = -delta
	}
	return delta * 100 / from
}
