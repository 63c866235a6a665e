package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jagveer-loky/ab2d/ab2d/client"
	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
	"github.com/jagveer-loky/ab2d/conf"
)

type mockEventLogger struct {
	mock.Mock
}

func (m *mockEventLogger) LogJobStatusChange(job *models.Job, oldStatus, newStatus models.JobStatus, message string) {
	m.Called(job, oldStatus, newStatus, message)
}

func (m *mockEventLogger) LogFileEvent(jobUUID, filePath, event string) {
	m.Called(jobUUID, filePath, event)
}

func (m *mockEventLogger) LogContractSearchSummary(contractNumber string, periodID int, benesExpected, benesQueued, benesErrored int) {
	m.Called(contractNumber, periodID, benesExpected, benesQueued, benesErrored)
}

func (m *mockEventLogger) Alert(ctx context.Context, message string) {
	m.Called(ctx, message)
}

func testWorker(t *testing.T, repo *repository.MockRepository, coverageRepo *repository.MockCoverageRepository, bfd client.APIClient) (*worker, *mockEventLogger) {
	logger, _ := logrusTest.NewNullLogger()
	pool := NewPatientPool(2, 16)
	t.Cleanup(pool.Stop)

	events := &mockEventLogger{}
	return &worker{
		r:         repo,
		contracts: NewContractProcessor(repo, coverageRepo, pool, logger),
		events:    events,
		logger:    logger,
		newClient: func(string) (client.APIClient, error) { return bfd, nil },
	}, events
}

func exportJobArgs() models.JobEnqueueArgs {
	return models.JobEnqueueArgs{
		ID:             42,
		JobUUID:        "uuid-42",
		ContractNumber: "Z0001",
		ResourceType:   "ExplanationOfBenefit",
		BFDBasePath:    "/v2/fhir",
	}
}

func TestValidateJob(t *testing.T) {
	contract := "Z0001"
	tests := []struct {
		name     string
		status   models.JobStatus
		repoErr  error
		expected error
	}{
		{"Submitted", models.JobStatusSubmitted, nil, nil},
		{"InProgress", models.JobStatusInProgress, nil, nil},
		{"Cancelled", models.JobStatusCancelled, nil, ErrParentJobCancelled},
		{"Failed", models.JobStatusFailed, nil, ErrParentJobFailed},
		{"NotFound", "", repository.ErrJobNotFound, ErrParentJobNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &repository.MockRepository{}
			if tt.repoErr != nil {
				repo.On("GetJobByID", mock.Anything, uint(42)).Return(nil, tt.repoErr)
			} else {
				repo.On("GetJobByID", mock.Anything, uint(42)).
					Return(&models.Job{ID: 42, JobUUID: "uuid-42", ContractNumber: &contract, Status: tt.status}, nil)
			}

			w, _ := testWorker(t, repo, &repository.MockCoverageRepository{}, &client.MockBFDClient{})
			job, err := w.ValidateJob(context.Background(), exportJobArgs())
			if tt.expected != nil {
				assert.ErrorIs(t, err, tt.expected)
				assert.Nil(t, job)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.status, job.Status)
			}
		})
	}
}

func TestValidateJobNoBasePath(t *testing.T) {
	w, _ := testWorker(t, &repository.MockRepository{}, &repository.MockCoverageRepository{}, &client.MockBFDClient{})

	jobArgs := exportJobArgs()
	jobArgs.BFDBasePath = ""
	_, err := w.ValidateJob(context.Background(), jobArgs)
	assert.ErrorIs(t, err, ErrNoBasePathSet)
}

func TestProcessJobSuccessful(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, conf.SetEnv(t, "AB2D_EFS_MOUNT", mount))
	require.NoError(t, conf.SetEnv(t, "CANCELLATION_CHECK_FREQUENCY", "1000"))
	defer func() { _ = conf.UnsetEnv(t, "AB2D_EFS_MOUNT") }()

	job := *inProgressJob()
	jobArgs := exportJobArgs()

	repo := &repository.MockRepository{}
	repo.On("GetContract", mock.Anything, "Z0001").Return(attestedContract(), nil)
	repo.On("GetJobByID", mock.Anything, uint(42)).Return(inProgressJob(), nil).Maybe()
	repo.On("CreateJobOutputs", mock.Anything, mock.AnythingOfType("[]models.JobOutput")).Return(nil)
	repo.On("UpdateJobProgress", mock.Anything, uint(42), 100).Return(nil)
	repo.On("CompleteJob", mock.Anything, uint(42), models.JobStatusSuccessful, mock.AnythingOfType("time.Time")).Return(nil)

	coverageRepo := &repository.MockCoverageRepository{}
	coverageRepo.On("GetCoverageSummaries", mock.Anything, "Z0001", "", mock.AnythingOfType("int")).
		Return(coverageSummaries(3), nil).Once()
	coverageRepo.On("GetCoverageSummaries", mock.Anything, "Z0001", "bene-02", mock.AnythingOfType("int")).
		Return([]models.CoverageSummary{}, nil).Once()

	bfd := &client.MockBFDClient{}
	for i := 0; i < 3; i++ {
		bfd.On("GetExplanationOfBenefit", jobArgs, fmt.Sprintf("bene-%02d", i)).
			Return(eobBundle(eobEntry(fmt.Sprintf("eob-%d", i), "2024-02-10")), nil)
	}

	w, events := testWorker(t, repo, coverageRepo, bfd)
	events.On("LogFileEvent", "uuid-42", mock.AnythingOfType("string"), "export file sealed")
	events.On("LogJobStatusChange", mock.Anything, models.JobStatusInProgress, models.JobStatusSuccessful, "export complete")

	require.NoError(t, w.ProcessJob(context.Background(), job, jobArgs))

	// Data landed under the job's own directory
	entries, err := os.ReadDir(filepath.Join(mount, "uuid-42"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Z0001_0001.ndjson", entries[0].Name())

	repo.AssertExpectations(t)
	events.AssertExpectations(t)
}

func TestProcessJobCancelled(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, conf.SetEnv(t, "AB2D_EFS_MOUNT", mount))
	require.NoError(t, conf.SetEnv(t, "CANCELLATION_CHECK_FREQUENCY", "1"))
	defer func() { _ = conf.UnsetEnv(t, "AB2D_EFS_MOUNT") }()

	job := *inProgressJob()
	jobArgs := exportJobArgs()

	cancelled := inProgressJob()
	cancelled.Status = models.JobStatusCancelled

	repo := &repository.MockRepository{}
	repo.On("GetContract", mock.Anything, "Z0001").Return(attestedContract(), nil)
	repo.On("GetJobByID", mock.Anything, uint(42)).Return(cancelled, nil)
	repo.On("UpdateJobStatusCheckStatus", mock.Anything, uint(42), models.JobStatusInProgress, models.JobStatusCancelled).
		Return(repository.ErrJobNotUpdated)

	coverageRepo := &repository.MockCoverageRepository{}
	coverageRepo.On("GetCoverageSummaries", mock.Anything, "Z0001", "", mock.AnythingOfType("int")).
		Return(coverageSummaries(10), nil).Once()
	coverageRepo.On("GetCoverageSummaries", mock.Anything, "Z0001", "bene-09", mock.AnythingOfType("int")).
		Return([]models.CoverageSummary{}, nil).Maybe()

	bfd := &client.MockBFDClient{}
	bfd.On("GetExplanationOfBenefit", jobArgs, mock.AnythingOfType("string")).
		Return(eobBundle(eobEntry("eob", "2024-02-10")), nil).Maybe()

	w, events := testWorker(t, repo, coverageRepo, bfd)
	events.On("LogJobStatusChange", mock.Anything, models.JobStatusInProgress, models.JobStatusCancelled, "export cancelled")

	require.NoError(t, w.ProcessJob(context.Background(), job, jobArgs))

	// Cancellation leaves no output rows and no directory behind
	repo.AssertNotCalled(t, "CreateJobOutputs", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "CompleteJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	_, err := os.Stat(filepath.Join(mount, "uuid-42"))
	assert.True(t, os.IsNotExist(err))

	repo.AssertExpectations(t)
	events.AssertExpectations(t)
}

func TestProcessJobFailureThreshold(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, conf.SetEnv(t, "AB2D_EFS_MOUNT", mount))
	require.NoError(t, conf.SetEnv(t, "EXPORT_FAIL_PCT", "20"))
	require.NoError(t, conf.SetEnv(t, "CANCELLATION_CHECK_FREQUENCY", "1000"))
	defer func() { _ = conf.UnsetEnv(t, "AB2D_EFS_MOUNT") }()

	job := *inProgressJob()
	jobArgs := exportJobArgs()

	repo := &repository.MockRepository{}
	repo.On("GetContract", mock.Anything, "Z0001").Return(attestedContract(), nil)
	repo.On("UpdateJobStatusCheckStatus", mock.Anything, uint(42), models.JobStatusInProgress, models.JobStatusFailed).Return(nil)
	repo.On("UpdateJobStatusMessage", mock.Anything, uint(42), mock.AnythingOfType("string")).Return(nil)

	coverageRepo := &repository.MockCoverageRepository{}
	coverageRepo.On("GetCoverageSummaries", mock.Anything, "Z0001", "", mock.AnythingOfType("int")).
		Return(coverageSummaries(10), nil).Once()
	coverageRepo.On("GetCoverageSummaries", mock.Anything, "Z0001", "bene-09", mock.AnythingOfType("int")).
		Return([]models.CoverageSummary{}, nil).Maybe()

	bfd := &client.MockBFDClient{}
	bfd.On("GetExplanationOfBenefit", jobArgs, mock.AnythingOfType("string")).
		Return(nil, fmt.Errorf("upstream 500")).Maybe()

	w, events := testWorker(t, repo, coverageRepo, bfd)
	events.On("LogJobStatusChange", mock.Anything, models.JobStatusInProgress, models.JobStatusFailed, mock.AnythingOfType("string"))
	events.On("Alert", mock.Anything, mock.AnythingOfType("string"))

	// A terminally failed job is acked, not retried
	require.NoError(t, w.ProcessJob(context.Background(), job, jobArgs))

	repo.AssertCalled(t, "UpdateJobStatusCheckStatus", mock.Anything, uint(42), models.JobStatusInProgress, models.JobStatusFailed)
	repo.AssertNotCalled(t, "CompleteJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	events.AssertExpectations(t)
}

func TestProcessJobFailureKeepsOperatorCancel(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, conf.SetEnv(t, "AB2D_EFS_MOUNT", mount))
	require.NoError(t, conf.SetEnv(t, "EXPORT_FAIL_PCT", "20"))
	require.NoError(t, conf.SetEnv(t, "CANCELLATION_CHECK_FREQUENCY", "1000"))
	defer func() { _ = conf.UnsetEnv(t, "AB2D_EFS_MOUNT") }()

	job := *inProgressJob()
	jobArgs := exportJobArgs()

	repo := &repository.MockRepository{}
	repo.On("GetContract", mock.Anything, "Z0001").Return(attestedContract(), nil)
	// The operator cancelled between polls; the guarded write finds no
	// IN_PROGRESS row to flip.
	repo.On("UpdateJobStatusCheckStatus", mock.Anything, uint(42), models.JobStatusInProgress, models.JobStatusFailed).
		Return(repository.ErrJobNotUpdated)

	coverageRepo := &repository.MockCoverageRepository{}
	coverageRepo.On("GetCoverageSummaries", mock.Anything, "Z0001", "", mock.AnythingOfType("int")).
		Return(coverageSummaries(10), nil).Once()
	coverageRepo.On("GetCoverageSummaries", mock.Anything, "Z0001", "bene-09", mock.AnythingOfType("int")).
		Return([]models.CoverageSummary{}, nil).Maybe()

	bfd := &client.MockBFDClient{}
	bfd.On("GetExplanationOfBenefit", jobArgs, mock.AnythingOfType("string")).
		Return(nil, fmt.Errorf("upstream 500")).Maybe()

	w, events := testWorker(t, repo, coverageRepo, bfd)

	require.NoError(t, w.ProcessJob(context.Background(), job, jobArgs))

	// The stored CANCELLED status wins: no failure message, event, or alert
	repo.AssertNotCalled(t, "UpdateJobStatus", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "UpdateJobStatusMessage", mock.Anything, mock.Anything, mock.Anything)
	events.AssertNotCalled(t, "LogJobStatusChange", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	events.AssertNotCalled(t, "Alert", mock.Anything, mock.Anything)
}

func TestProcessJobCancelledAfterLastPoll(t *testing.T) {
	mount := t.TempDir()
	require.NoError(t, conf.SetEnv(t, "AB2D_EFS_MOUNT", mount))
	require.NoError(t, conf.SetEnv(t, "CANCELLATION_CHECK_FREQUENCY", "1000"))
	defer func() { _ = conf.UnsetEnv(t, "AB2D_EFS_MOUNT") }()

	job := *inProgressJob()
	jobArgs := exportJobArgs()

	repo := &repository.MockRepository{}
	repo.On("GetContract", mock.Anything, "Z0001").Return(attestedContract(), nil)
	repo.On("GetJobByID", mock.Anything, uint(42)).Return(inProgressJob(), nil).Maybe()
	repo.On("CreateJobOutputs", mock.Anything, mock.AnythingOfType("[]models.JobOutput")).Return(nil)
	repo.On("UpdateJobProgress", mock.Anything, uint(42), 100).Return(nil)
	// Cancellation landed after the last poll; the completion write loses.
	repo.On("CompleteJob", mock.Anything, uint(42), models.JobStatusSuccessful, mock.AnythingOfType("time.Time")).
		Return(repository.ErrJobNotUpdated)
	repo.On("UpdateJobStatusCheckStatus", mock.Anything, uint(42), models.JobStatusInProgress, models.JobStatusCancelled).
		Return(repository.ErrJobNotUpdated)

	coverageRepo := &repository.MockCoverageRepository{}
	coverageRepo.On("GetCoverageSummaries", mock.Anything, "Z0001", "", mock.AnythingOfType("int")).
		Return(coverageSummaries(3), nil).Once()
	coverageRepo.On("GetCoverageSummaries", mock.Anything, "Z0001", "bene-02", mock.AnythingOfType("int")).
		Return([]models.CoverageSummary{}, nil).Once()

	bfd := &client.MockBFDClient{}
	for i := 0; i < 3; i++ {
		bfd.On("GetExplanationOfBenefit", jobArgs, fmt.Sprintf("bene-%02d", i)).
			Return(eobBundle(eobEntry(fmt.Sprintf("eob-%d", i), "2024-02-10")), nil)
	}

	w, events := testWorker(t, repo, coverageRepo, bfd)
	events.On("LogFileEvent", "uuid-42", mock.AnythingOfType("string"), "export file sealed")
	events.On("LogJobStatusChange", mock.Anything, models.JobStatusInProgress, models.JobStatusCancelled, "export cancelled")

	require.NoError(t, w.ProcessJob(context.Background(), job, jobArgs))

	// The run's files are dropped and the job never reads SUCCESSFUL
	_, err := os.Stat(filepath.Join(mount, "uuid-42"))
	assert.True(t, os.IsNotExist(err))
	events.AssertNotCalled(t, "LogJobStatusChange", mock.Anything, models.JobStatusInProgress, models.JobStatusSuccessful, mock.Anything)
	repo.AssertExpectations(t)
}

func TestProcessJobClientError(t *testing.T) {
	require.NoError(t, conf.SetEnv(t, "AB2D_EFS_MOUNT", t.TempDir()))
	defer func() { _ = conf.UnsetEnv(t, "AB2D_EFS_MOUNT") }()

	logger, _ := logrusTest.NewNullLogger()
	pool := NewPatientPool(1, 1)
	t.Cleanup(pool.Stop)

	repo := &repository.MockRepository{}
	w := &worker{
		r:         repo,
		contracts: NewContractProcessor(repo, &repository.MockCoverageRepository{}, pool, logger),
		events:    &mockEventLogger{},
		logger:    logger,
		newClient: func(string) (client.APIClient, error) { return nil, fmt.Errorf("bad client certificate") },
	}

	err := w.ProcessJob(context.Background(), *inProgressJob(), exportJobArgs())
	assert.ErrorContains(t, err, "could not create BFD client")
}
