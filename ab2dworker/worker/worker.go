package worker

import (
	"context"
	"database/sql"
	goerrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/ab2d/client"
	"github.com/jagveer-loky/ab2d/ab2d/eventlogger"
	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2d/monitoring"
	"github.com/jagveer-loky/ab2d/ab2d/utils"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository/postgres"
	"github.com/jagveer-loky/ab2d/conf"
)

type Worker interface {
	ValidateJob(ctx context.Context, jobArgs models.JobEnqueueArgs) (*models.Job, error)
	ProcessJob(ctx context.Context, job models.Job, jobArgs models.JobEnqueueArgs) error
}

type worker struct {
	r         repository.Repository
	contracts *ContractProcessor
	events    eventlogger.EventLogger
	logger    logrus.FieldLogger

	newClient func(basePath string) (client.APIClient, error)
}

func NewWorker(db *sql.DB, pool *PatientPool, events eventlogger.EventLogger, logger logrus.FieldLogger) Worker {
	r := postgres.NewRepository(db)
	return &worker{
		r:         r,
		contracts: NewContractProcessor(r, postgres.NewCoverageRepository(db), pool, logger),
		events:    events,
		logger:    logger,
		newClient: func(basePath string) (client.APIClient, error) {
			return client.NewBFDClient(client.NewConfig(basePath))
		},
	}
}

func (w *worker) ValidateJob(ctx context.Context, jobArgs models.JobEnqueueArgs) (*models.Job, error) {
	if len(jobArgs.BFDBasePath) == 0 {
		return nil, ErrNoBasePathSet
	}

	exportJob, err := w.r.GetJobByID(ctx, uint(jobArgs.ID))
	if goerrors.Is(err, repository.ErrJobNotFound) {
		return nil, ErrParentJobNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "could not retrieve job from database")
	}

	switch exportJob.Status {
	case models.JobStatusCancelled:
		return nil, ErrParentJobCancelled
	case models.JobStatusFailed:
		return nil, ErrParentJobFailed
	}

	return exportJob, nil
}

// ProcessJob drives one export end to end: a fresh output directory, the
// contract claims processor, output registration, and the final status write.
func (w *worker) ProcessJob(ctx context.Context, job models.Job, jobArgs models.JobEnqueueArgs) error {
	defer monitoring.StartSegment(ctx, "worker.ProcessJob").End()

	bfd, err := w.newClient(jobArgs.BFDBasePath)
	if err != nil {
		err = errors.Wrap(err, "could not create BFD client")
		w.logger.Error(err)
		return err
	}

	dir := filepath.Join(conf.GetEnv("AB2D_EFS_MOUNT"), job.JobUUID)
	if err := createFreshDir(dir); err != nil {
		err = errors.Wrap(err, "could not create job output directory")
		w.logger.Error(err)
		return err
	}

	maxBytes := int64(utils.GetEnvInt("MAX_FILE_SIZE_MB", 200)) * 1024 * 1024
	maxRecords := utils.GetEnvInt("MAX_FILE_RECORDS", 200000)
	sh := NewStreamHelper(dir, jobArgs.ContractNumber, jobArgs.ResourceType, maxBytes, maxRecords)

	progress := NewProgressTracker(job.ID, w.r, w.logger,
		utils.GetEnvInt("REPORT_PROGRESS_DB_FREQUENCY", 100),
		utils.GetEnvInt("REPORT_PROGRESS_LOG_FREQUENCY", 1000))

	procErr := w.contracts.ProcessContract(ctx, &job, jobArgs, bfd, sh, progress)
	if closeErr := sh.Close(); procErr == nil {
		procErr = closeErr
	}

	if goerrors.Is(procErr, ErrJobCancelled) {
		return w.cancelJob(ctx, &job, dir)
	}
	if procErr != nil {
		return w.failJob(ctx, &job, procErr)
	}

	outputs := sh.Outputs()
	for i := range outputs {
		outputs[i].JobID = job.ID
	}
	if err := w.r.CreateJobOutputs(ctx, outputs); err != nil {
		return w.failJob(ctx, &job, errors.Wrap(err, "could not record job outputs"))
	}
	for _, o := range outputs {
		w.events.LogFileEvent(job.JobUUID, o.FilePath, "export file sealed")
	}

	if err := w.r.UpdateJobProgress(ctx, job.ID, 100); err != nil {
		w.logger.Warnf("failed to update progress for job %d, continuing: %s", job.ID, err.Error())
	}

	expiresAt := time.Now().Add(time.Duration(utils.GetEnvInt("AUDIT_FILES_TTL_HOURS", 72)) * time.Hour)
	if err := w.r.CompleteJob(ctx, job.ID, models.JobStatusSuccessful, expiresAt); err != nil {
		if goerrors.Is(err, repository.ErrJobNotUpdated) {
			// An operator cancelled after the last cancellation poll; the
			// terminal status wins and the run's files are dropped.
			return w.cancelJob(ctx, &job, dir)
		}
		return errors.Wrap(err, "could not mark job successful")
	}

	w.events.LogJobStatusChange(&job, models.JobStatusInProgress, models.JobStatusSuccessful, "export complete")
	return nil
}

// cancelJob removes everything the run produced. A cancelled job keeps no
// outputs and is not a failure, so the queue entry is acked.
func (w *worker) cancelJob(ctx context.Context, job *models.Job, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		w.logger.Warnf("failed to remove output directory for cancelled job %d: %s", job.ID, err.Error())
	}

	// ErrJobNotUpdated means the job row already carries the operator's
	// terminal status, which is exactly the state we want.
	err := w.r.UpdateJobStatusCheckStatus(ctx, job.ID, models.JobStatusInProgress, models.JobStatusCancelled)
	if err != nil && !goerrors.Is(err, repository.ErrJobNotUpdated) {
		return errors.Wrap(err, "could not mark job cancelled")
	}

	w.events.LogJobStatusChange(job, models.JobStatusInProgress, models.JobStatusCancelled, "export cancelled")
	return nil
}

// failJob records the failure and acks the queue entry. FAILED is terminal,
// so redelivery would only repeat the same outcome.
func (w *worker) failJob(ctx context.Context, job *models.Job, cause error) error {
	w.logger.Error(cause)

	err := w.r.UpdateJobStatusCheckStatus(ctx, job.ID, models.JobStatusInProgress, models.JobStatusFailed)
	if goerrors.Is(err, repository.ErrJobNotUpdated) {
		// Already terminal, most likely an operator cancellation racing the
		// failure; leave the stored status and message alone.
		w.logger.Infof("job %d already in a terminal status, skipping failure write", job.ID)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "could not mark job failed")
	}
	if err := w.r.UpdateJobStatusMessage(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Warnf("failed to record failure message for job %d: %s", job.ID, err.Error())
	}

	w.events.LogJobStatusChange(job, models.JobStatusInProgress, models.JobStatusFailed, cause.Error())
	w.events.Alert(ctx, fmt.Sprintf("export job %s failed: %s", job.JobUUID, cause))
	return nil
}

// createFreshDir guarantees the directory exists and is empty, deleting
// leftovers from a previous delivery of the same job.
func createFreshDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	return os.MkdirAll(path, 0750)
}
