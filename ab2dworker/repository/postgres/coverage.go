package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

// Ensure CoverageRepository satisfies the interface
var _ repository.CoverageRepository = &CoverageRepository{}

type CoverageRepository struct {
	queryable
	executable
}

func NewCoverageRepository(db *sql.DB) *CoverageRepository {
	return &CoverageRepository{db, db}
}

func NewCoverageRepositoryTx(tx *sql.Tx) *CoverageRepository {
	return &CoverageRepository{tx, tx}
}

func (r *CoverageRepository) CreateCoveragePeriod(ctx context.Context, period models.CoveragePeriod) error {
	query := `INSERT INTO coverage_periods (contract_number, month, year, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contract_number, month, year) DO NOTHING`
	_, err := r.ExecContext(ctx, query, period.ContractNumber, period.Month, period.Year, period.Status)
	return err
}

func (r *CoverageRepository) GetCoveragePeriod(ctx context.Context, contractNumber string, month, year int) (*models.CoveragePeriod, error) {
	sb := sqlFlavor.NewSelectBuilder().
		Select("id", "contract_number", "month", "year", "status", "last_successful").
		From("coverage_periods")
	sb.Where(sb.Equal("contract_number", contractNumber), sb.Equal("month", month), sb.Equal("year", year))

	query, args := sb.Build()
	p, err := scanCoveragePeriod(r.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *CoverageRepository) GetCoveragePeriodByID(ctx context.Context, periodID int) (*models.CoveragePeriod, error) {
	sb := sqlFlavor.NewSelectBuilder().
		Select("id", "contract_number", "month", "year", "status", "last_successful").
		From("coverage_periods")
	sb.Where(sb.Equal("id", periodID))

	query, args := sb.Build()
	return scanCoveragePeriod(r.QueryRowContext(ctx, query, args...))
}

func (r *CoverageRepository) GetLastCoverageEvent(ctx context.Context, periodID int) (*models.CoverageSearchEvent, error) {
	sb := sqlFlavor.NewSelectBuilder().
		Select("id", "period_id", "old_status", "new_status", "description", "created_at").
		From("coverage_search_events")
	sb.Where(sb.Equal("period_id", periodID))
	sb.OrderBy("created_at").Desc().Limit(1)

	query, args := sb.Build()
	var event models.CoverageSearchEvent
	err := r.QueryRowContext(ctx, query, args...).
		Scan(&event.ID, &event.PeriodID, &event.OldStatus, &event.NewStatus, &event.Description, &event.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *CoverageRepository) GetCoveragePeriodsByContract(ctx context.Context, contractNumber string) ([]models.CoveragePeriod, error) {
	sb := sqlFlavor.NewSelectBuilder().
		Select("id", "contract_number", "month", "year", "status", "last_successful").
		From("coverage_periods")
	sb.Where(sb.Equal("contract_number", contractNumber))
	sb.OrderBy("year", "month")
	query, args := sb.Build()
	return r.getCoveragePeriods(ctx, query, args)
}

func (r *CoverageRepository) GetAllCoveragePeriods(ctx context.Context) ([]models.CoveragePeriod, error) {
	sb := sqlFlavor.NewSelectBuilder().
		Select("id", "contract_number", "month", "year", "status", "last_successful").
		From("coverage_periods")
	sb.OrderBy("contract_number", "year", "month")
	query, args := sb.Build()
	return r.getCoveragePeriods(ctx, query, args)
}

func (r *CoverageRepository) getCoveragePeriods(ctx context.Context, query string, args []interface{}) ([]models.CoveragePeriod, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []models.CoveragePeriod
	for rows.Next() {
		p, err := scanCoveragePeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, *p)
	}
	return periods, rows.Err()
}

func scanCoveragePeriod(row scannable) (*models.CoveragePeriod, error) {
	var (
		p              models.CoveragePeriod
		lastSuccessful sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.ContractNumber, &p.Month, &p.Year, &p.Status, &lastSuccessful); err != nil {
		return nil, err
	}
	if lastSuccessful.Valid {
		p.LastSuccessful = &lastSuccessful.Time
	}
	return &p, nil
}

func (r *CoverageRepository) UpdateCoverageStatus(ctx context.Context, periodID int, newStatus models.JobStatus, description string) (*models.CoverageSearchEvent, error) {
	var oldStatus models.JobStatus
	sb := sqlFlavor.NewSelectBuilder().Select("status").From("coverage_periods")
	sb.Where(sb.Equal("id", periodID))
	query, args := sb.Build()
	if err := r.QueryRowContext(ctx, query, args...).Scan(&oldStatus); err != nil {
		return nil, err
	}

	ub := sqlFlavor.NewUpdateBuilder().Update("coverage_periods")
	ub.Set(ub.Assign("status", newStatus))
	if newStatus == models.JobStatusSuccessful {
		ub.SetMore(ub.Assign("last_successful", time.Now()))
	}
	ub.Where(ub.Equal("id", periodID))
	query, args = ub.Build()
	if _, err := r.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}

	event := models.CoverageSearchEvent{
		PeriodID:    periodID,
		OldStatus:   oldStatus,
		NewStatus:   newStatus,
		Description: description,
	}
	insert := `INSERT INTO coverage_search_events (period_id, old_status, new_status, description)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	err := r.QueryRowContext(ctx, insert, periodID, oldStatus, newStatus, description).
		Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *CoverageRepository) ResetStuckCoveragePeriod(ctx context.Context, periodID int, description string) error {
	// Intentionally skips transition validation: the whole point is to yank
	// a wedged search out of an in-flight status.
	ub := sqlFlavor.NewUpdateBuilder().Update("coverage_periods")
	ub.Set(ub.Assign("status", models.JobStatusSubmitted))
	ub.Where(ub.Equal("id", periodID))
	query, args := ub.Build()
	if _, err := r.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	insert := `INSERT INTO coverage_search_events (period_id, old_status, new_status, description)
		VALUES ($1, $2, $3, $4)`
	_, err := r.ExecContext(ctx, insert, periodID, models.JobStatusInProgress, models.JobStatusSubmitted, description)
	return err
}

func (r *CoverageRepository) SubmitCoverageSearch(ctx context.Context, search models.CoverageSearch) (bool, error) {
	query := `INSERT INTO coverage_searches (period_id)
		SELECT $1 WHERE NOT EXISTS (SELECT 1 FROM coverage_searches WHERE period_id = $1)`
	result, err := r.ExecContext(ctx, query, search.PeriodID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ClaimNextCoverageSearch deletes and returns one queued search. The delete
// of a single selected row makes the claim atomic; two workers can never
// dequeue the same search. Periods whose contract has an active export job
// are served first.
func (r *CoverageRepository) ClaimNextCoverageSearch(ctx context.Context) (*models.CoverageSearch, error) {
	query := `DELETE FROM coverage_searches
		WHERE id = (
			SELECT cs.id FROM coverage_searches cs
			JOIN coverage_periods cp ON cp.id = cs.period_id
			ORDER BY EXISTS (
				SELECT 1 FROM jobs j
				WHERE j.contract_number = cp.contract_number
				AND j.status IN ('SUBMITTED', 'IN_PROGRESS')
			) DESC, cs.created_at ASC
			LIMIT 1
			FOR UPDATE OF cs SKIP LOCKED
		)
		RETURNING id, period_id, created_at`

	var search models.CoverageSearch
	err := r.QueryRowContext(ctx, query).Scan(&search.ID, &search.PeriodID, &search.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNoSearchAvailable
		}
		return nil, err
	}
	return &search, nil
}

func (r *CoverageRepository) InsertCoverage(ctx context.Context, periodID int, searchEventID int64, benes []models.Identifiers) error {
	if len(benes) == 0 {
		return nil
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto("coverages")
	ib.Cols("period_id", "search_event_id", "beneficiary_id", "current_mbi", "historic_mbis")
	for _, b := range benes {
		ib.Values(periodID, searchEventID, b.BeneficiaryID, b.CurrentMBI, pq.Array(b.HistoricMBIs))
	}

	query, args := ib.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *CoverageRepository) DeletePreviousGeneration(ctx context.Context, periodID int, keepEventID int64) error {
	db := sqlFlavor.NewDeleteBuilder().DeleteFrom("coverages")
	db.Where(db.Equal("period_id", periodID), db.NotEqual("search_event_id", keepEventID))

	query, args := db.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *CoverageRepository) DeleteGeneration(ctx context.Context, periodID int, searchEventID int64) error {
	db := sqlFlavor.NewDeleteBuilder().DeleteFrom("coverages")
	db.Where(db.Equal("period_id", periodID), db.Equal("search_event_id", searchEventID))

	query, args := db.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *CoverageRepository) GetCoverageSummaries(ctx context.Context, contractNumber string, cursor string, limit int) ([]models.CoverageSummary, error) {
	// Page on distinct beneficiary first, then collect every covered month
	// for the page so enrollment ranges are complete per beneficiary. A
	// generation counts only once a later event has marked its search
	// SUCCESSFUL, so pages committed by an in-flight search never surface.
	query := `SELECT c.beneficiary_id, c.current_mbi, c.historic_mbis, cp.month, cp.year
		FROM coverages c
		JOIN coverage_periods cp ON cp.id = c.period_id
		WHERE cp.contract_number = $1
		AND EXISTS (
			SELECT 1 FROM coverage_search_events done
			WHERE done.period_id = c.period_id
			AND done.new_status = 'SUCCESSFUL'
			AND done.id > c.search_event_id
		)
		AND c.beneficiary_id IN (
			SELECT DISTINCT beneficiary_id FROM coverages ci
			JOIN coverage_periods cpi ON cpi.id = ci.period_id
			WHERE cpi.contract_number = $1 AND ci.beneficiary_id > $2
			AND EXISTS (
				SELECT 1 FROM coverage_search_events done
				WHERE done.period_id = ci.period_id
				AND done.new_status = 'SUCCESSFUL'
				AND done.id > ci.search_event_id
			)
			ORDER BY beneficiary_id
			LIMIT $3
		)
		ORDER BY c.beneficiary_id, cp.year, cp.month`

	rows, err := r.QueryContext(ctx, query, contractNumber, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		summaries []models.CoverageSummary
		current   *models.CoverageSummary
		months    []monthYear
	)
	flush := func() {
		if current != nil {
			current.DateRanges = buildDateRanges(months)
			summaries = append(summaries, *current)
		}
	}
	for rows.Next() {
		var (
			beneID, mbi string
			historic    pq.StringArray
			month, year int
		)
		if err := rows.Scan(&beneID, &mbi, &historic, &month, &year); err != nil {
			return nil, err
		}
		if current == nil || current.Identifiers.BeneficiaryID != beneID {
			flush()
			current = &models.CoverageSummary{
				Identifiers:    models.Identifiers{BeneficiaryID: beneID, CurrentMBI: mbi, HistoricMBIs: historic},
				ContractNumber: contractNumber,
			}
			months = months[:0]
		}
		months = append(months, monthYear{month, year})
	}
	flush()
	return summaries, rows.Err()
}

func (r *CoverageRepository) CountCoverage(ctx context.Context, periodID int) (int, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("COUNT(DISTINCT beneficiary_id)").From("coverages")
	sb.Where(sb.Equal("period_id", periodID))

	query, args := sb.Build()
	var count int
	if err := r.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return -1, err
	}
	return count, nil
}

func (r *CoverageRepository) GetPendingSearchCounts(ctx context.Context) (map[int]int, error) {
	sb := sqlFlavor.NewSelectBuilder().Select("period_id", "COUNT(1)").From("coverage_searches")
	sb.GroupBy("period_id")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var periodID, count int
		if err := rows.Scan(&periodID, &count); err != nil {
			return nil, err
		}
		counts[periodID] = count
	}
	return counts, rows.Err()
}

type monthYear struct {
	month, year int
}

// buildDateRanges merges the covered months into contiguous enrollment
// ranges. Input must be ordered by year then month.
func buildDateRanges(months []monthYear) []models.DateRange {
	var ranges []models.DateRange
	for _, my := range months {
		start := time.Date(my.year, time.Month(my.month), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
		if n := len(ranges); n > 0 && ranges[n-1].End.Add(time.Nanosecond).Equal(start) {
			ranges[n-1].End = end
			continue
		}
		ranges = append(ranges, models.DateRange{Start: start, End: end})
	}
	return ranges
}
