package client

import (
	"github.com/stretchr/testify/mock"

	"github.com/jagveer-loky/ab2d/ab2d/models"
	fhirModels "github.com/jagveer-loky/ab2d/ab2d/models/fhir"
)

// MockBFDClient is a testify mock of APIClient for use by worker and
// coverage tests.
type MockBFDClient struct {
	mock.Mock
}

var _ APIClient = &MockBFDClient{}

func (m *MockBFDClient) GetExplanationOfBenefit(jobData models.JobEnqueueArgs, patientID string) (*fhirModels.Bundle, error) {
	args := m.Called(jobData, patientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fhirModels.Bundle), args.Error(1)
}

func (m *MockBFDClient) GetEnrollment(contractNumber string, month, year int) (*fhirModels.Bundle, error) {
	args := m.Called(contractNumber, month, year)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fhirModels.Bundle), args.Error(1)
}

func (m *MockBFDClient) GetNextBundle(bundle *fhirModels.Bundle) (*fhirModels.Bundle, error) {
	args := m.Called(bundle)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fhirModels.Bundle), args.Error(1)
}
