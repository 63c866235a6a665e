package queueing

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"time"

	"github.com/bgentry/que-go"
	"github.com/jackc/pgx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/ab2d/database"
	"github.com/jagveer-loky/ab2d/ab2d/eventlogger"
	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2d/utils"
	"github.com/jagveer-loky/ab2d/ab2dworker/coverage"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository/postgres"
	"github.com/jagveer-loky/ab2d/ab2dworker/worker"
	"github.com/jagveer-loky/ab2d/log"
)

const QueProcessJob = "ProcessJob"

type preProcessor interface {
	PreProcess(ctx context.Context, jobID uint) (*models.Job, error)
}

// queue retrieves export jobs using the que client and delegates the work to
// the underlying worker.
type queue struct {
	quePool           *que.WorkerPool
	pool              *pgx.ConnPool
	healthCheckCancel context.CancelFunc

	worker worker.Worker
	pre    preProcessor
	logger logrus.FieldLogger
}

// StartQue creates a que-go client and begins listening for jobs. It returns
// immediately; the workers run in their own goroutines.
func StartQue(queueDatabaseURL string, numWorkers int) *queue {
	db := database.Connection()
	logger := log.Worker

	patientPool := worker.NewPatientPool(
		utils.GetEnvInt("PATIENT_WORKER_POOL_SIZE", 10),
		utils.GetEnvInt("PATIENT_WORKER_QUEUE_SIZE", 1000))
	events := eventlogger.NewDefault()
	driver := coverage.NewDriver(postgres.NewRepository(db), postgres.NewCoverageRepository(db), logger)

	q := &queue{
		worker: worker.NewWorker(db, patientPool, events, logger),
		pre:    worker.NewPreProcessor(db, driver, logger),
		logger: logger,
	}

	var err error
	q.pool, err = database.QueuePool(queueDatabaseURL)
	if err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.healthCheckCancel = cancel
	database.StartHealthCheck(ctx, q.pool, 10*time.Second)

	qc := que.NewClient(q.pool)
	wm := que.WorkMap{
		QueProcessJob: q.processJob,
	}

	q.quePool = que.NewWorkerPool(qc, wm, numWorkers)
	q.quePool.Start()

	return q
}

// StopQue cleans up any resources created
func (q *queue) StopQue() {
	q.healthCheckCancel()
	q.quePool.Shutdown()
	q.pool.Close()
}

// processJob is the workmap entry. Returning nil acks the queue job;
// returning an error leaves it for redelivery with que-go's backoff.
func (q *queue) processJob(job *que.Job) error {
	ctx := context.Background()

	var jobArgs models.JobEnqueueArgs
	if err := json.Unmarshal(job.Args, &jobArgs); err != nil {
		// ACK: retrying will not make the payload deserializable
		q.logger.Errorf("could not deserialize queue job %d args: %s", job.ID, err.Error())
		return nil
	}

	if utils.GetEnvBool("MAINTENANCE_MODE", false) {
		q.logger.Warnf("maintenance mode on, deferring job %d", jobArgs.ID)
		return errors.New("job admission paused for maintenance")
	}

	_, err := q.worker.ValidateJob(ctx, jobArgs)
	switch {
	case goerrors.Is(err, worker.ErrParentJobCancelled),
		goerrors.Is(err, worker.ErrParentJobFailed),
		goerrors.Is(err, worker.ErrNoBasePathSet):
		// ACK: terminal parent or corrupt payload, nothing left to do
		return nil
	case goerrors.Is(err, worker.ErrParentJobNotFound):
		maxNotFoundRetries := int32(utils.GetEnvInt("AB2D_WORKER_MAX_JOB_NOT_FOUND_RETRIES", 3))
		if job.ErrorCount >= maxNotFoundRetries {
			q.logger.Errorf("no job found for ID %d, retries exhausted, removing from queue", jobArgs.ID)
			return nil
		}
		q.logger.Warnf("no job found for ID %d, will retry", jobArgs.ID)
		return errors.Wrap(err, "could not retrieve job from database")
	case err != nil:
		return err
	}

	exportJob, err := q.pre.PreProcess(ctx, uint(jobArgs.ID))
	switch {
	case goerrors.Is(err, worker.ErrCoverageUnavailable):
		// Redeliver: the coverage engine is still refreshing enrollment
		q.logger.Infof("coverage not yet available for job %d, deferring", jobArgs.ID)
		return err
	case goerrors.Is(err, worker.ErrJobNotSubmitted):
		// ACK: another worker already claimed the job
		return nil
	case goerrors.Is(err, worker.ErrParentJobCancelled):
		return nil
	case err != nil:
		return err
	}

	return q.worker.ProcessJob(ctx, *exportJob, jobArgs)
}
