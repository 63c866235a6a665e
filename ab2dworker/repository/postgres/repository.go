package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/huandu/go-sqlbuilder"

	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type executable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	sqlFlavor = sqlbuilder.PostgreSQL
)

// Ensure Repository satisfies the interface
var _ repository.Repository = &Repository{}

type Repository struct {
	queryable
	executable
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db, db}
}

func NewRepositoryTx(tx *sql.Tx) *Repository {
	return &Repository{tx, tx}
}

var jobColumns = []string{"id", "job_uuid", "organization_id", "contract_number",
	"status", "status_message", "progress", "request_url", "output_format",
	"fhir_version", "since", "since_source", "transaction_time", "created_at",
	"completed_at", "expires_at"}

func (r *Repository) GetJobByID(ctx context.Context, jobID uint) (*models.Job, error) {
	sb := sqlFlavor.NewSelectBuilder().Select(jobColumns...).From("jobs")
	sb.Where(sb.Equal("id", jobID))
	return r.getJob(ctx, sb)
}

func (r *Repository) GetJobByUUID(ctx context.Context, jobUUID string) (*models.Job, error) {
	sb := sqlFlavor.NewSelectBuilder().Select(jobColumns...).From("jobs")
	sb.Where(sb.Equal("job_uuid", jobUUID))
	return r.getJob(ctx, sb)
}

func (r *Repository) getJob(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.Job, error) {
	query, args := sb.Build()
	j, err := scanJob(r.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scannable) (*models.Job, error) {
	var (
		j                              models.Job
		contractNumber, statusMessage  sql.NullString
		sinceSource                    sql.NullString
		since, completedAt, expiresAt  sql.NullTime
		transactionTime, createdAt     sql.NullTime
	)

	err := row.Scan(&j.ID, &j.JobUUID, &j.OrganizationID, &contractNumber,
		&j.Status, &statusMessage, &j.Progress, &j.RequestURL, &j.OutputFormat,
		&j.FhirVersion, &since, &sinceSource, &transactionTime, &createdAt,
		&completedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	if contractNumber.Valid {
		j.ContractNumber = &contractNumber.String
	}
	j.StatusMessage = statusMessage.String
	j.SinceSource = models.SinceSource(sinceSource.String)
	if since.Valid {
		j.Since = &since.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if expiresAt.Valid {
		j.ExpiresAt = &expiresAt.Time
	}
	j.TransactionTime, j.CreatedAt = transactionTime.Time, createdAt.Time

	return &j, nil
}

func (r *Repository) CreateJob(ctx context.Context, j models.Job) (uint, error) {
	query := `INSERT INTO jobs
		(job_uuid, organization_id, contract_number, status, progress,
		 request_url, output_format, fhir_version, since, since_source,
		 transaction_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING id`

	var since sql.NullTime
	if j.Since != nil {
		since = sql.NullTime{Time: *j.Since, Valid: true}
	}
	var contractNumber sql.NullString
	if j.ContractNumber != nil {
		contractNumber = sql.NullString{String: *j.ContractNumber, Valid: true}
	}

	var id uint
	err := r.QueryRowContext(ctx, query,
		j.JobUUID, j.OrganizationID, contractNumber, j.Status, j.Progress,
		j.RequestURL, j.OutputFormat, j.FhirVersion, since,
		string(j.SinceSource), j.TransactionTime).Scan(&id)
	return id, err
}

func (r *Repository) UpdateJobStatus(ctx context.Context, jobID uint, new models.JobStatus) error {
	return r.updateJob(ctx,
		map[string]interface{}{"id": jobID},
		map[string]interface{}{"status": new})
}

func (r *Repository) UpdateJobStatusCheckStatus(ctx context.Context, jobID uint, current, new models.JobStatus) error {
	return r.updateJob(ctx,
		map[string]interface{}{"id": jobID, "status": current},
		map[string]interface{}{"status": new})
}

func (r *Repository) UpdateJobProgress(ctx context.Context, jobID uint, percent int) error {
	return r.updateJob(ctx,
		map[string]interface{}{"id": jobID},
		map[string]interface{}{"progress": percent})
}

func (r *Repository) UpdateJobStatusMessage(ctx context.Context, jobID uint, message string) error {
	return r.updateJob(ctx,
		map[string]interface{}{"id": jobID},
		map[string]interface{}{"status_message": message})
}

func (r *Repository) UpdateJobSince(ctx context.Context, jobID uint, since *time.Time, source models.SinceSource) error {
	return r.updateJob(ctx,
		map[string]interface{}{"id": jobID},
		map[string]interface{}{"since": since, "since_source": source})
}

// CompleteJob only lands on a job still IN_PROGRESS; an operator write that
// beat it to a terminal status surfaces as ErrJobNotUpdated.
func (r *Repository) CompleteJob(ctx context.Context, jobID uint, status models.JobStatus, expiresAt time.Time) error {
	return r.updateJob(ctx,
		map[string]interface{}{"id": jobID, "status": models.JobStatusInProgress},
		map[string]interface{}{"status": status, "completed_at": time.Now(), "expires_at": expiresAt})
}

func (r *Repository) GetSuccessfulJobsByOrgAndContract(ctx context.Context, organizationID, contractNumber string) ([]*models.Job, error) {
	sb := sqlFlavor.NewSelectBuilder().Select(jobColumns...).From("jobs")
	sb.Where(sb.Equal("organization_id", organizationID),
		sb.Equal("contract_number", contractNumber),
		sb.Equal("status", models.JobStatusSuccessful))
	sb.OrderBy("created_at").Desc()
	return r.getJobs(ctx, sb)
}

func (r *Repository) getJobs(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]*models.Job, error) {
	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *Repository) CreateJobOutputs(ctx context.Context, outputs []models.JobOutput) error {
	if len(outputs) == 0 {
		return nil
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto("job_outputs")
	ib.Cols("job_id", "file_path", "resource_type", "checksum", "file_length", "error", "downloaded")
	for _, o := range outputs {
		ib.Values(o.JobID, o.FilePath, o.ResourceType, o.Checksum, o.FileLength, o.Error, o.Downloaded)
	}

	query, args := ib.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) GetJobOutputs(ctx context.Context, jobID uint) ([]models.JobOutput, error) {
	sb := sqlFlavor.NewSelectBuilder().
		Select("job_id", "file_path", "resource_type", "checksum", "file_length", "error", "downloaded").
		From("job_outputs")
	sb.Where(sb.Equal("job_id", jobID))
	sb.OrderBy("file_path")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []models.JobOutput
	for rows.Next() {
		var o models.JobOutput
		if err := rows.Scan(&o.JobID, &o.FilePath, &o.ResourceType, &o.Checksum,
			&o.FileLength, &o.Error, &o.Downloaded); err != nil {
			return nil, err
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

func (r *Repository) GetContract(ctx context.Context, contractNumber string) (*models.Contract, error) {
	sb := sqlFlavor.NewSelectBuilder().
		Select("id", "contract_number", "contract_name", "attested_on", "update_mode").
		From("contracts")
	sb.Where(sb.Equal("contract_number", contractNumber))

	query, args := sb.Build()
	c, err := scanContract(r.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Repository) GetAttestedContracts(ctx context.Context) ([]models.Contract, error) {
	sb := sqlFlavor.NewSelectBuilder().
		Select("id", "contract_number", "contract_name", "attested_on", "update_mode").
		From("contracts")
	sb.Where(sb.IsNotNull("attested_on"))
	sb.OrderBy("contract_number")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contracts []models.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}

func scanContract(row scannable) (*models.Contract, error) {
	var (
		c          models.Contract
		name       sql.NullString
		attestedOn sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.ContractNumber, &name, &attestedOn, &c.UpdateMode); err != nil {
		return nil, err
	}
	c.ContractName = name.String
	if attestedOn.Valid {
		c.AttestedOn = &attestedOn.Time
	}
	return &c, nil
}

func (r *Repository) updateJob(ctx context.Context, clauses map[string]interface{}, fieldAndValues map[string]interface{}) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("jobs")
	for field, value := range fieldAndValues {
		ub.SetMore(ub.Assign(field, value))
	}
	for field, value := range clauses {
		ub.Where(ub.Equal(field, value))
	}

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return repository.ErrJobNotUpdated
	}

	return nil
}
