package worker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

// Weighting of the two phases in the reported percentage: loading enrollment
// metadata is a small slice of the work, pulling claims is the rest.
const (
	enrollmentWeight = 30
	claimsWeight     = 70
)

// ProgressTracker accumulates per-beneficiary results for one job and
// reports percent complete at two cadences: persisted to the jobs table
// every dbFrequency completions and logged every logFrequency completions.
// Safe for concurrent use by the patient pool.
type ProgressTracker struct {
	mu sync.Mutex

	jobID     uint
	expected  int
	loaded    int
	processed int
	failures  int

	dbFrequency  int
	logFrequency int
	sinceDB      int
	sinceLog     int

	repo   repository.Repository
	logger logrus.FieldLogger
}

func NewProgressTracker(jobID uint, repo repository.Repository, logger logrus.FieldLogger, dbFrequency, logFrequency int) *ProgressTracker {
	if dbFrequency < 1 {
		dbFrequency = 1
	}
	if logFrequency < 1 {
		logFrequency = 1
	}
	return &ProgressTracker{
		jobID:        jobID,
		dbFrequency:  dbFrequency,
		logFrequency: logFrequency,
		repo:         repo,
		logger:       logger,
	}
}

// SetExpected records how many beneficiaries the job will process.
func (p *ProgressTracker) SetExpected(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expected = n
}

// AddLoaded records enrollment metadata arriving from the coverage store.
func (p *ProgressTracker) AddLoaded(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded += n
}

// RecordCompletion tallies one finished beneficiary and reports progress at
// the configured cadences. DB write failures are logged, not returned; a
// stale percentage must not fail the export.
func (p *ProgressTracker) RecordCompletion(ctx context.Context, failed bool) {
	p.mu.Lock()
	p.processed++
	if failed {
		p.failures++
	}
	p.sinceDB++
	p.sinceLog++

	persist := p.sinceDB >= p.dbFrequency
	announce := p.sinceLog >= p.logFrequency
	if persist {
		p.sinceDB = 0
	}
	if announce {
		p.sinceLog = 0
	}
	percent := p.percentLocked()
	processed, failures := p.processed, p.failures
	p.mu.Unlock()

	if persist {
		if err := p.repo.UpdateJobProgress(ctx, p.jobID, percent); err != nil {
			p.logger.Warnf("failed to persist progress for job %d: %s", p.jobID, err)
		}
	}
	if announce {
		p.logger.WithFields(logrus.Fields{
			"job_id":    p.jobID,
			"processed": processed,
			"failures":  failures,
			"percent":   percent,
		}).Info("export progress")
	}
}

// Percent reports the weighted completion percentage across both phases.
func (p *ProgressTracker) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percentLocked()
}

func (p *ProgressTracker) percentLocked() int {
	if p.expected == 0 {
		return 0
	}
	loaded := p.loaded
	if loaded > p.expected {
		loaded = p.expected
	}
	return (loaded*enrollmentWeight + p.processed*claimsWeight) / p.expected
}

// Counts returns processed and failed beneficiary totals.
func (p *ProgressTracker) Counts() (processed, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.failures
}
