package repository

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/jagveer-loky/ab2d/ab2d/models"
)

// MockRepository is a testify mock of Repository.
type MockRepository struct {
	mock.Mock
}

var _ Repository = &MockRepository{}

func (m *MockRepository) CreateJob(ctx context.Context, j models.Job) (uint, error) {
	args := m.Called(ctx, j)
	return args.Get(0).(uint), args.Error(1)
}

func (m *MockRepository) GetJobByID(ctx context.Context, jobID uint) (*models.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Job), args.Error(1)
}

func (m *MockRepository) GetJobByUUID(ctx context.Context, jobUUID string) (*models.Job, error) {
	args := m.Called(ctx, jobUUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Job), args.Error(1)
}

func (m *MockRepository) UpdateJobStatus(ctx context.Context, jobID uint, new models.JobStatus) error {
	return m.Called(ctx, jobID, new).Error(0)
}

func (m *MockRepository) UpdateJobStatusCheckStatus(ctx context.Context, jobID uint, current, new models.JobStatus) error {
	return m.Called(ctx, jobID, current, new).Error(0)
}

func (m *MockRepository) UpdateJobProgress(ctx context.Context, jobID uint, percent int) error {
	return m.Called(ctx, jobID, percent).Error(0)
}

func (m *MockRepository) UpdateJobStatusMessage(ctx context.Context, jobID uint, message string) error {
	return m.Called(ctx, jobID, message).Error(0)
}

func (m *MockRepository) UpdateJobSince(ctx context.Context, jobID uint, since *time.Time, source models.SinceSource) error {
	return m.Called(ctx, jobID, since, source).Error(0)
}

func (m *MockRepository) CompleteJob(ctx context.Context, jobID uint, status models.JobStatus, expiresAt time.Time) error {
	return m.Called(ctx, jobID, status, expiresAt).Error(0)
}

func (m *MockRepository) GetSuccessfulJobsByOrgAndContract(ctx context.Context, organizationID, contractNumber string) ([]*models.Job, error) {
	args := m.Called(ctx, organizationID, contractNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Job), args.Error(1)
}

func (m *MockRepository) CreateJobOutputs(ctx context.Context, outputs []models.JobOutput) error {
	return m.Called(ctx, outputs).Error(0)
}

func (m *MockRepository) GetJobOutputs(ctx context.Context, jobID uint) ([]models.JobOutput, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.JobOutput), args.Error(1)
}

func (m *MockRepository) GetContract(ctx context.Context, contractNumber string) (*models.Contract, error) {
	args := m.Called(ctx, contractNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Contract), args.Error(1)
}

func (m *MockRepository) GetAttestedContracts(ctx context.Context) ([]models.Contract, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Contract), args.Error(1)
}

// MockCoverageRepository is a testify mock of CoverageRepository.
type MockCoverageRepository struct {
	mock.Mock
}

var _ CoverageRepository = &MockCoverageRepository{}

func (m *MockCoverageRepository) CreateCoveragePeriod(ctx context.Context, period models.CoveragePeriod) error {
	return m.Called(ctx, period).Error(0)
}

func (m *MockCoverageRepository) GetCoveragePeriod(ctx context.Context, contractNumber string, month, year int) (*models.CoveragePeriod, error) {
	args := m.Called(ctx, contractNumber, month, year)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CoveragePeriod), args.Error(1)
}

func (m *MockCoverageRepository) GetCoveragePeriodByID(ctx context.Context, periodID int) (*models.CoveragePeriod, error) {
	args := m.Called(ctx, periodID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CoveragePeriod), args.Error(1)
}

func (m *MockCoverageRepository) GetLastCoverageEvent(ctx context.Context, periodID int) (*models.CoverageSearchEvent, error) {
	args := m.Called(ctx, periodID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CoverageSearchEvent), args.Error(1)
}

func (m *MockCoverageRepository) GetCoveragePeriodsByContract(ctx context.Context, contractNumber string) ([]models.CoveragePeriod, error) {
	args := m.Called(ctx, contractNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CoveragePeriod), args.Error(1)
}

func (m *MockCoverageRepository) GetAllCoveragePeriods(ctx context.Context) ([]models.CoveragePeriod, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CoveragePeriod), args.Error(1)
}

func (m *MockCoverageRepository) UpdateCoverageStatus(ctx context.Context, periodID int, newStatus models.JobStatus, description string) (*models.CoverageSearchEvent, error) {
	args := m.Called(ctx, periodID, newStatus, description)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CoverageSearchEvent), args.Error(1)
}

func (m *MockCoverageRepository) ResetStuckCoveragePeriod(ctx context.Context, periodID int, description string) error {
	return m.Called(ctx, periodID, description).Error(0)
}

func (m *MockCoverageRepository) SubmitCoverageSearch(ctx context.Context, search models.CoverageSearch) (bool, error) {
	args := m.Called(ctx, search)
	return args.Bool(0), args.Error(1)
}

func (m *MockCoverageRepository) ClaimNextCoverageSearch(ctx context.Context) (*models.CoverageSearch, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CoverageSearch), args.Error(1)
}

func (m *MockCoverageRepository) InsertCoverage(ctx context.Context, periodID int, searchEventID int64, benes []models.Identifiers) error {
	return m.Called(ctx, periodID, searchEventID, benes).Error(0)
}

func (m *MockCoverageRepository) DeleteGeneration(ctx context.Context, periodID int, searchEventID int64) error {
	args := m.Called(ctx, periodID, searchEventID)
	return args.Error(0)
}

func (m *MockCoverageRepository) DeletePreviousGeneration(ctx context.Context, periodID int, keepEventID int64) error {
	return m.Called(ctx, periodID, keepEventID).Error(0)
}

func (m *MockCoverageRepository) GetCoverageSummaries(ctx context.Context, contractNumber string, cursor string, limit int) ([]models.CoverageSummary, error) {
	args := m.Called(ctx, contractNumber, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CoverageSummary), args.Error(1)
}

func (m *MockCoverageRepository) CountCoverage(ctx context.Context, periodID int) (int, error) {
	args := m.Called(ctx, periodID)
	return args.Int(0), args.Error(1)
}

func (m *MockCoverageRepository) GetPendingSearchCounts(ctx context.Context) (map[int]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int]int), args.Error(1)
}

// MockLockRepository is a testify mock of LockRepository.
type MockLockRepository struct {
	mock.Mock
}

var _ LockRepository = &MockLockRepository{}

func (m *MockLockRepository) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, name, owner, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockLockRepository) ReleaseLock(ctx context.Context, name, owner string) error {
	return m.Called(ctx, name, owner).Error(0)
}
