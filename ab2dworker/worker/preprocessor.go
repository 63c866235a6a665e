package worker

import (
	"context"
	"database/sql"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository/postgres"
)

// CoverageChecker gates job admission on enrollment freshness.
type CoverageChecker interface {
	// IsCoverageAvailable reports whether every coverage period the job
	// needs has a successful search. A false return queues the missing work
	// as a side effect.
	IsCoverageAvailable(ctx context.Context, job *models.Job) (bool, error)
}

// PreProcessor admits a SUBMITTED job into IN_PROGRESS: it verifies coverage
// is fresh, resolves the job's since value and its provenance, and performs
// the transition. All writes happen in one serializable transaction so two
// workers racing on the same job cannot both admit it.
type PreProcessor struct {
	db       *sql.DB
	coverage CoverageChecker
	logger   logrus.FieldLogger

	// test seam
	newRepository func(tx *sql.Tx) repository.Repository
}

func NewPreProcessor(db *sql.DB, coverage CoverageChecker, logger logrus.FieldLogger) *PreProcessor {
	return &PreProcessor{
		db:       db,
		coverage: coverage,
		logger:   logger,
		newRepository: func(tx *sql.Tx) repository.Repository {
			return postgres.NewRepositoryTx(tx)
		},
	}
}

// PreProcess returns the admitted job in IN_PROGRESS status. On
// ErrCoverageUnavailable the job is left SUBMITTED so the queue can retry.
// A coverage driver failure marks the job FAILED before returning the error.
func (p *PreProcessor) PreProcess(ctx context.Context, jobID uint) (*models.Job, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start preprocess transaction")
	}
	defer func() {
		// no-op if the transaction committed
		_ = tx.Rollback()
	}()

	repo := p.newRepository(tx)

	job, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		if goerrors.Is(err, repository.ErrJobNotFound) {
			return nil, ErrParentJobNotFound
		}
		return nil, errors.Wrap(err, "could not retrieve job from database")
	}

	switch job.Status {
	case models.JobStatusSubmitted:
	case models.JobStatusCancelled:
		return nil, ErrParentJobCancelled
	default:
		return nil, ErrJobNotSubmitted
	}

	available, err := p.coverage.IsCoverageAvailable(ctx, job)
	if err != nil {
		// The driver is broken, not merely behind; fail the job.
		msg := fmt.Sprintf("could not check coverage for job: %s", err)
		if updateErr := repo.UpdateJobStatusMessage(ctx, job.ID, msg); updateErr != nil {
			return nil, errors.Wrap(updateErr, "failed to record coverage failure")
		}
		if updateErr := repo.UpdateJobStatus(ctx, job.ID, models.JobStatusFailed); updateErr != nil {
			return nil, errors.Wrap(updateErr, "failed to mark job failed")
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return nil, errors.Wrap(commitErr, "failed to commit job failure")
		}
		return nil, errors.Wrap(err, "coverage driver failure")
	}
	if !available {
		p.logger.WithField("job_id", job.ID).Info("coverage not ready, leaving job queued")
		return nil, ErrCoverageUnavailable
	}

	since, source := resolveSince(ctx, repo, job)
	if err := repo.UpdateJobSince(ctx, job.ID, since, source); err != nil {
		return nil, errors.Wrap(err, "failed to record resolved since")
	}

	if err := repo.UpdateJobStatusCheckStatus(ctx, job.ID, models.JobStatusSubmitted, models.JobStatusInProgress); err != nil {
		if goerrors.Is(err, repository.ErrJobNotUpdated) {
			return nil, ErrJobNotSubmitted
		}
		return nil, errors.Wrap(err, "could not update job status in database")
	}
	if err := repo.UpdateJobStatusMessage(ctx, job.ID, ""); err != nil {
		return nil, errors.Wrap(err, "failed to clear status message")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit preprocess transaction")
	}

	job.Status = models.JobStatusInProgress
	job.StatusMessage = ""
	job.Since = since
	job.SinceSource = source

	p.logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"since_source": source,
	}).Info("job admitted")
	return job, nil
}

// resolveSince determines the incremental-export watermark. A user-supplied
// since always wins. Otherwise, when the FHIR version allows it, the created
// time of the organization's last fully-downloaded successful export for the
// contract is used. First exports run unbounded.
func resolveSince(ctx context.Context, repo repository.Repository, job *models.Job) (*time.Time, models.SinceSource) {
	if job.Since != nil {
		return job.Since, models.SinceSourceUser
	}
	if !job.FhirVersion.SupportsDefaultSince() || job.ContractNumber == nil {
		return nil, models.SinceSourceFirstRun
	}

	previous, err := repo.GetSuccessfulJobsByOrgAndContract(ctx, job.OrganizationID, *job.ContractNumber)
	if err != nil {
		// Older exports are an optimization; treat lookup failure as a
		// first run rather than blocking the job.
		return nil, models.SinceSourceFirstRun
	}

	for _, prev := range previous {
		outputs, err := repo.GetJobOutputs(ctx, prev.ID)
		if err != nil {
			continue
		}
		if allDataDownloaded(outputs) {
			since := prev.CreatedAt
			return &since, models.SinceSourceAB2D
		}
	}
	return nil, models.SinceSourceFirstRun
}

// allDataDownloaded reports whether every non-error output was fetched by
// the client. Error files do not count against the job.
func allDataDownloaded(outputs []models.JobOutput) bool {
	for _, o := range outputs {
		if !o.Error && !o.Downloaded {
			return false
		}
	}
	return true
}
