package worker

import (
	"context"
	"testing"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

func TestProgressTrackerPercent(t *testing.T) {
	logger, _ := logrusTest.NewNullLogger()
	repo := &repository.MockRepository{}
	repo.On("UpdateJobProgress", mock.Anything, uint(1), mock.AnythingOfType("int")).Return(nil)
	p := NewProgressTracker(1, repo, logger, 10, 10)

	assert.Equal(t, 0, p.Percent())

	p.SetExpected(100)
	p.AddLoaded(100)
	assert.Equal(t, enrollmentWeight, p.Percent())

	for i := 0; i < 50; i++ {
		p.RecordCompletion(context.Background(), false)
	}
	assert.Equal(t, enrollmentWeight+claimsWeight/2, p.Percent())
}

func TestProgressTrackerCadences(t *testing.T) {
	logger, hook := logrusTest.NewNullLogger()
	repo := &repository.MockRepository{}
	// Persisted every 5 completions, logged every 10
	repo.On("UpdateJobProgress", mock.Anything, uint(1), mock.AnythingOfType("int")).Return(nil).Times(4)

	p := NewProgressTracker(1, repo, logger, 5, 10)
	p.SetExpected(20)
	p.AddLoaded(20)

	for i := 0; i < 20; i++ {
		p.RecordCompletion(context.Background(), i%4 == 0)
	}

	repo.AssertExpectations(t)
	assert.Len(t, hook.Entries, 2)

	processed, failures := p.Counts()
	assert.Equal(t, 20, processed)
	assert.Equal(t, 5, failures)
}
