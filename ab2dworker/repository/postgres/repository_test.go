package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

type RepositoryTestSuite struct {
	suite.Suite
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "job_uuid", "organization_id", "contract_number",
		"status", "status_message", "progress", "request_url", "output_format",
		"fhir_version", "since", "since_source", "transaction_time", "created_at",
		"completed_at", "expires_at"})
}

func (r *RepositoryTestSuite) TestGetJobByID() {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(r.T(), err)
	defer func() {
		assert.NoError(r.T(), mock.ExpectationsWereMet())
		db.Close()
	}()
	repo := NewRepository(db)

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs(42).
		WillReturnRows(jobRows().AddRow(42, "uuid-42", "org-1", "Z0001",
			models.JobStatusInProgress, "", 25, "https://example.com/Patient/$export", "application/fhir+ndjson",
			models.FhirVersionR4, nil, models.SinceSourceFirstRun, now, now, nil, nil))

	job, err := repo.GetJobByID(context.Background(), 42)
	assert.NoError(r.T(), err)
	assert.EqualValues(r.T(), 42, job.ID)
	assert.Equal(r.T(), "Z0001", *job.ContractNumber)
	assert.Equal(r.T(), models.JobStatusInProgress, job.Status)
	assert.Nil(r.T(), job.Since)
	assert.Nil(r.T(), job.CompletedAt)
}

func (r *RepositoryTestSuite) TestGetJobByUUID() {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(r.T(), err)
	defer func() {
		assert.NoError(r.T(), mock.ExpectationsWereMet())
		db.Close()
	}()
	repo := NewRepository(db)

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE job_uuid = \$1`).
		WithArgs("uuid-42").
		WillReturnRows(jobRows().AddRow(42, "uuid-42", "org-1", "Z0001",
			models.JobStatusSuccessful, "", 100, "https://example.com/Patient/$export", "application/fhir+ndjson",
			models.FhirVersionR4, nil, models.SinceSourceFirstRun, now, now, now, now))

	job, err := repo.GetJobByUUID(context.Background(), "uuid-42")
	assert.NoError(r.T(), err)
	assert.EqualValues(r.T(), 42, job.ID)
	assert.Equal(r.T(), models.JobStatusSuccessful, job.Status)
	assert.NotNil(r.T(), job.CompletedAt)
}

func (r *RepositoryTestSuite) TestCreateJob() {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(r.T(), err)
	defer func() {
		assert.NoError(r.T(), mock.ExpectationsWereMet())
		db.Close()
	}()
	repo := NewRepository(db)

	contract := "Z0001"
	now := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO jobs .+ RETURNING id`).
		WithArgs("uuid-7", "org-1", contract, models.JobStatusSubmitted, 0,
			"", "application/fhir+ndjson", models.FhirVersionR4, nil, "", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	id, err := repo.CreateJob(context.Background(), models.Job{
		JobUUID:         "uuid-7",
		OrganizationID:  "org-1",
		ContractNumber:  &contract,
		Status:          models.JobStatusSubmitted,
		OutputFormat:    "application/fhir+ndjson",
		FhirVersion:     models.FhirVersionR4,
		TransactionTime: now,
	})
	assert.NoError(r.T(), err)
	assert.EqualValues(r.T(), 7, id)
}

func (r *RepositoryTestSuite) TestGetJobByIDNotFound() {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(r.T(), err)
	defer db.Close()
	repo := NewRepository(db)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs(99).
		WillReturnError(sql.ErrNoRows)

	_, err = repo.GetJobByID(context.Background(), 99)
	assert.ErrorIs(r.T(), err, repository.ErrJobNotFound)
}

func (r *RepositoryTestSuite) TestUpdateJobStatusCheckStatus() {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(r.T(), err)
	defer func() {
		assert.NoError(r.T(), mock.ExpectationsWereMet())
		db.Close()
	}()
	repo := NewRepository(db)

	mock.ExpectExec(`UPDATE jobs SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(r.T(), repo.UpdateJobStatusCheckStatus(context.Background(), 42,
		models.JobStatusSubmitted, models.JobStatusInProgress))

	// Status already moved by another worker
	mock.ExpectExec(`UPDATE jobs SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.UpdateJobStatusCheckStatus(context.Background(), 42,
		models.JobStatusSubmitted, models.JobStatusInProgress)
	assert.ErrorIs(r.T(), err, repository.ErrJobNotUpdated)
}

func (r *RepositoryTestSuite) TestCompleteJob() {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(r.T(), err)
	defer func() {
		assert.NoError(r.T(), mock.ExpectationsWereMet())
		db.Close()
	}()
	repo := NewRepository(db)

	mock.ExpectExec(`UPDATE jobs SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(r.T(), repo.CompleteJob(context.Background(), 42,
		models.JobStatusSuccessful, time.Now().Add(72*time.Hour)))
}

func (r *RepositoryTestSuite) TestGetSuccessfulJobsByOrgAndContract() {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(r.T(), err)
	defer func() {
		assert.NoError(r.T(), mock.ExpectationsWereMet())
		db.Close()
	}()
	repo := NewRepository(db)

	now := time.Now()
	earlier := now.Add(-24 * time.Hour)
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE organization_id = \$1 AND contract_number = \$2 AND status = \$3 ORDER BY created_at DESC`).
		WithArgs("org-1", "Z0001", string(models.JobStatusSuccessful)).
		WillReturnRows(jobRows().
			AddRow(2, "uuid-2", "org-1", "Z0001", models.JobStatusSuccessful, "", 100,
				"url", "application/fhir+ndjson", models.FhirVersionR4, nil,
				models.SinceSourceFirstRun, now, now, now, now.Add(72*time.Hour)).
			AddRow(1, "uuid-1", "org-1", "Z0001", models.JobStatusSuccessful, "", 100,
				"url", "application/fhir+ndjson", models.FhirVersionR4, nil,
				models.SinceSourceFirstRun, earlier, earlier, earlier, earlier.Add(72*time.Hour)))

	jobs, err := repo.GetSuccessfulJobsByOrgAndContract(context.Background(), "org-1", "Z0001")
	assert.NoError(r.T(), err)
	assert.Len(r.T(), jobs, 2)
	assert.True(r.T(), jobs[0].CreatedAt.After(jobs[1].CreatedAt))
}

func (r *RepositoryTestSuite) TestCreateJobOutputs() {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(r.T(), err)
	defer func() {
		assert.NoError(r.T(), mock.ExpectationsWereMet())
		db.Close()
	}()
	repo := NewRepository(db)

	mock.ExpectExec(`INSERT INTO job_outputs`).
		WillReturnResult(sqlmock.NewResult(2, 2))

	outputs := []models.JobOutput{
		{JobID: 42, FilePath: "Z0001_0001.ndjson", ResourceType: "ExplanationOfBenefit", Checksum: "abc", FileLength: 100},
		{JobID: 42, FilePath: "Z0001_error.ndjson", ResourceType: "OperationOutcome", Checksum: "def", FileLength: 10, Error: true},
	}
	assert.NoError(r.T(), repo.CreateJobOutputs(context.Background(), outputs))

	// No-op on empty input
	assert.NoError(r.T(), repo.CreateJobOutputs(context.Background(), nil))
}

func (r *RepositoryTestSuite) TestGetAttestedContracts() {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	assert.NoError(r.T(), err)
	defer func() {
		assert.NoError(r.T(), mock.ExpectationsWereMet())
		db.Close()
	}()
	repo := NewRepository(db)

	attested := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM contracts WHERE attested_on IS NOT NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "contract_number", "contract_name", "attested_on", "update_mode"}).
			AddRow(1, "Z0001", "Test Contract", attested, "AUTOMATIC").
			AddRow(2, "Z0002", "Manual Contract", attested, "NONE"))

	contracts, err := repo.GetAttestedContracts(context.Background())
	assert.NoError(r.T(), err)
	assert.Len(r.T(), contracts, 2)
	assert.True(r.T(), contracts[0].HasAttestation())
	assert.Equal(r.T(), "NONE", contracts[1].UpdateMode)
}
