package coverage

import (
	"context"
	"testing"
	"time"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

func testVerifier(coverageRepo *repository.MockCoverageRepository, events *mockEventLogger) *Verifier {
	logger, _ := logrusTest.NewNullLogger()
	v := NewVerifier(coverageRepo, events, logger)
	v.now = func() time.Time { return testNow }
	return v
}

func successfulPeriod(id, month, year int) models.CoveragePeriod {
	at := testNow.Add(-time.Hour)
	return models.CoveragePeriod{ID: id, ContractNumber: "Z0001", Month: month, Year: year,
		Status: models.JobStatusSuccessful, LastSuccessful: &at}
}

func TestVerifyCoverageClean(t *testing.T) {
	coverageRepo := &repository.MockCoverageRepository{}
	coverageRepo.On("GetPendingSearchCounts", mock.Anything).Return(map[int]int{1: 1}, nil)
	coverageRepo.On("GetAllCoveragePeriods", mock.Anything).
		Return([]models.CoveragePeriod{successfulPeriod(1, 4, 2024), successfulPeriod(2, 5, 2024)}, nil)
	coverageRepo.On("CountCoverage", mock.Anything, 1).Return(1000, nil)
	coverageRepo.On("CountCoverage", mock.Anything, 2).Return(1050, nil)

	events := &mockEventLogger{}
	require.NoError(t, testVerifier(coverageRepo, events).VerifyCoverage(context.Background()))
	events.AssertNotCalled(t, "Alert", mock.Anything, mock.Anything)
}

func TestVerifyCoverageDuplicatePendingSearches(t *testing.T) {
	coverageRepo := &repository.MockCoverageRepository{}
	coverageRepo.On("GetPendingSearchCounts", mock.Anything).Return(map[int]int{7: 3}, nil)
	coverageRepo.On("GetAllCoveragePeriods", mock.Anything).Return([]models.CoveragePeriod{}, nil)

	var alerted string
	events := &mockEventLogger{}
	events.On("Alert", mock.Anything, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { alerted = args.String(1) }).Once()

	require.NoError(t, testVerifier(coverageRepo, events).VerifyCoverage(context.Background()))
	assert.Contains(t, alerted, "period 7 has 3 pending searches")
	events.AssertExpectations(t)
}

func TestVerifyCoverageZeroEnrollment(t *testing.T) {
	coverageRepo := &repository.MockCoverageRepository{}
	coverageRepo.On("GetPendingSearchCounts", mock.Anything).Return(map[int]int{}, nil)
	// May 2024 is settled; June 2024 is the current month and gets a pass
	coverageRepo.On("GetAllCoveragePeriods", mock.Anything).
		Return([]models.CoveragePeriod{successfulPeriod(1, 5, 2024), successfulPeriod(2, 6, 2024)}, nil)
	coverageRepo.On("CountCoverage", mock.Anything, 1).Return(0, nil)
	coverageRepo.On("CountCoverage", mock.Anything, 2).Return(0, nil)

	var alerted string
	events := &mockEventLogger{}
	events.On("Alert", mock.Anything, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { alerted = args.String(1) }).Once()

	require.NoError(t, testVerifier(coverageRepo, events).VerifyCoverage(context.Background()))
	assert.Contains(t, alerted, "Z0001 5/2024 completed with zero enrollment")
	assert.NotContains(t, alerted, "6/2024")
	events.AssertExpectations(t)
}

func TestVerifyCoverageEnrollmentSwing(t *testing.T) {
	coverageRepo := &repository.MockCoverageRepository{}
	coverageRepo.On("GetPendingSearchCounts", mock.Anything).Return(map[int]int{}, nil)
	coverageRepo.On("GetAllCoveragePeriods", mock.Anything).
		Return([]models.CoveragePeriod{successfulPeriod(1, 4, 2024), successfulPeriod(2, 5, 2024)}, nil)
	coverageRepo.On("CountCoverage", mock.Anything, 1).Return(1000, nil)
	coverageRepo.On("CountCoverage", mock.Anything, 2).Return(500, nil)

	var alerted string
	events := &mockEventLogger{}
	events.On("Alert", mock.Anything, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { alerted = args.String(1) }).Once()

	require.NoError(t, testVerifier(coverageRepo, events).VerifyCoverage(context.Background()))
	assert.Contains(t, alerted, "swung 50%")
	events.AssertExpectations(t)
}

func TestVerifyCoverageDecemberJanuaryGrace(t *testing.T) {
	coverageRepo := &repository.MockCoverageRepository{}
	coverageRepo.On("GetPendingSearchCounts", mock.Anything).Return(map[int]int{}, nil)
	// Plan year turnover: a big swing across the year boundary is expected
	coverageRepo.On("GetAllCoveragePeriods", mock.Anything).
		Return([]models.CoveragePeriod{successfulPeriod(1, 12, 2023), successfulPeriod(2, 1, 2024)}, nil)
	coverageRepo.On("CountCoverage", mock.Anything, 1).Return(1000, nil)
	coverageRepo.On("CountCoverage", mock.Anything, 2).Return(200, nil)

	events := &mockEventLogger{}
	require.NoError(t, testVerifier(coverageRepo, events).VerifyCoverage(context.Background()))
	events.AssertNotCalled(t, "Alert", mock.Anything, mock.Anything)
}
