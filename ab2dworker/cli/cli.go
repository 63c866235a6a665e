package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/jagveer-loky/ab2d/ab2d/client"
	"github.com/jagveer-loky/ab2d/ab2d/constants"
	"github.com/jagveer-loky/ab2d/ab2d/database"
	"github.com/jagveer-loky/ab2d/ab2d/eventlogger"
	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/ab2d/utils"
	"github.com/jagveer-loky/ab2d/ab2dworker/coverage"
	"github.com/jagveer-loky/ab2d/ab2dworker/queueing"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository/postgres"
	"github.com/jagveer-loky/ab2d/conf"
	"github.com/jagveer-loky/ab2d/log"
)

const Name = "ab2dworker"
const Usage = "AB2D Claims Export Worker CLI"

var db *sql.DB

func GetApp() *cli.App {
	return setUpApp()
}

func setUpApp() *cli.App {
	app := cli.NewApp()
	app.Name = Name
	app.Usage = Usage
	app.Before = func(c *cli.Context) error {
		log.SetupLoggers()
		client.SetLogger(log.BFD)
		db = database.Connection()
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:  "start-worker",
			Usage: "Start the export worker and the coverage scheduler",
			Action: func(c *cli.Context) error {
				return startWorker()
			},
		},
		{
			Name:  "discover-coverage",
			Usage: "Create missing coverage periods for every attested contract",
			Action: func(c *cli.Context) error {
				return newDriver().DiscoverCoveragePeriods(context.Background())
			},
		},
		{
			Name:  "queue-stale-coverage",
			Usage: "Queue a refresh for every stale coverage period",
			Action: func(c *cli.Context) error {
				return newDriver().QueueStaleCoveragePeriods(context.Background())
			},
		},
		{
			Name:  "enqueue-job",
			Usage: "Create an export job for a contract and queue it for processing",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "contract", Usage: "Contract number to export"},
				cli.StringFlag{Name: "organization", Usage: "Requesting organization ID"},
				cli.StringFlag{Name: "resource-type", Value: constants.EOB, Usage: "FHIR resource type to export"},
				cli.StringFlag{Name: "since", Usage: "Only include resources updated after this RFC3339 timestamp"},
			},
			Action: func(c *cli.Context) error {
				jobUUID, err := enqueueJob(c.String("contract"), c.String("organization"),
					c.String("resource-type"), c.String("since"))
				if err != nil {
					return err
				}
				fmt.Printf("Queued export job %s\n", jobUUID)
				return nil
			},
		},
		{
			Name:  "job-status",
			Usage: "Print the status and outputs of an export job",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "job", Usage: "Job UUID"},
			},
			Action: func(c *cli.Context) error {
				return printJobStatus(c.String("job"), os.Stdout)
			},
		},
		{
			Name:  "verify-coverage",
			Usage: "Scan coverage state for anomalies and alert on findings",
			Action: func(c *cli.Context) error {
				verifier := coverage.NewVerifier(postgres.NewCoverageRepository(db), eventlogger.NewDefault(), log.Coverage)
				return verifier.VerifyCoverage(context.Background())
			},
		},
	}
	return app
}

// enqueueJob records a SUBMITTED job and places it on the queue, the same
// shape of work the API performs when a client requests an export.
func enqueueJob(contractNumber, organizationID, resourceType, since string) (string, error) {
	if contractNumber == "" {
		return "", errors.New("contract is required")
	}

	ctx := context.Background()
	repo := postgres.NewRepository(db)
	if _, err := repo.GetContract(ctx, contractNumber); err != nil {
		return "", errors.Wrapf(err, "could not look up contract %s", contractNumber)
	}

	job := models.Job{
		JobUUID:         uuid.New(),
		OrganizationID:  organizationID,
		ContractNumber:  &contractNumber,
		Status:          models.JobStatusSubmitted,
		FhirVersion:     models.FhirVersionR4,
		OutputFormat:    "application/fhir+ndjson",
		TransactionTime: time.Now().UTC(),
	}
	if since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return "", errors.Wrap(err, "invalid since timestamp")
		}
		job.Since = &parsed
		job.SinceSource = models.SinceSourceUser
	}

	jobID, err := repo.CreateJob(ctx, job)
	if err != nil {
		return "", errors.Wrap(err, "could not create job")
	}

	pool, err := database.QueuePool(conf.GetEnv("QUEUE_DATABASE_URL"))
	if err != nil {
		return "", errors.Wrap(err, "could not connect to queue database")
	}
	defer pool.Close()

	basePath := conf.GetEnv("BFD_BASE_PATH")
	if basePath == "" {
		basePath = "/v2/fhir"
	}
	err = queueing.NewEnqueuer(pool).AddJob(models.JobEnqueueArgs{
		ID:              int(jobID),
		JobUUID:         job.JobUUID,
		ContractNumber:  contractNumber,
		ResourceType:    resourceType,
		Since:           since,
		TransactionTime: job.TransactionTime,
		BFDBasePath:     basePath,
	}, 0)
	if err != nil {
		return "", errors.Wrap(err, "could not enqueue job")
	}
	return job.JobUUID, nil
}

func printJobStatus(jobUUID string, w io.Writer) error {
	if jobUUID == "" {
		return errors.New("job is required")
	}

	ctx := context.Background()
	repo := postgres.NewRepository(db)
	job, err := repo.GetJobByUUID(ctx, jobUUID)
	if err != nil {
		return errors.Wrapf(err, "could not look up job %s", jobUUID)
	}

	fmt.Fprintf(w, "job %s: %s (%d%%)\n", job.JobUUID, job.Status, job.Progress)
	if job.StatusMessage != "" {
		fmt.Fprintf(w, "message: %s\n", job.StatusMessage)
	}

	outputs, err := repo.GetJobOutputs(ctx, job.ID)
	if err != nil {
		return errors.Wrap(err, "could not list job outputs")
	}
	for _, o := range outputs {
		fmt.Fprintf(w, "  %s %s (%d bytes)\n", o.ResourceType, o.FilePath, o.FileLength)
	}
	return nil
}

func newDriver() *coverage.Driver {
	return coverage.NewDriver(postgres.NewRepository(db), postgres.NewCoverageRepository(db), log.Coverage)
}

func startWorker() error {
	fmt.Println("Starting ab2dworker...")
	createWorkerDirs()

	queue := queueing.StartQue(conf.GetEnv("QUEUE_DATABASE_URL"), utils.GetEnvInt("WORKER_POOL_SIZE", 4))
	defer queue.StopQue()

	scheduler, err := newScheduler()
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	waitForSig()
	return nil
}

func newScheduler() (*queueing.Scheduler, error) {
	basePath := conf.GetEnv("BFD_BASE_PATH")
	if basePath == "" {
		basePath = "/v2/fhir"
	}
	bfd, err := client.NewBFDClient(client.NewConfig(basePath))
	if err != nil {
		return nil, err
	}
	if _, err := bfd.GetMetadata(); err != nil {
		log.BFD.Warnf("BFD capability probe failed, continuing: %s", err.Error())
	}

	events := eventlogger.NewDefault()
	coverageRepo := postgres.NewCoverageRepository(db)
	driver := coverage.NewDriver(postgres.NewRepository(db), coverageRepo, log.Coverage)
	processor := coverage.NewProcessor(coverageRepo, postgres.NewLockRepository(db), bfd, events, log.Coverage)
	verifier := coverage.NewVerifier(coverageRepo, events, log.Coverage)

	return queueing.NewScheduler(driver, processor, verifier, log.Coverage), nil
}

func createWorkerDirs() {
	mount := conf.GetEnv("AB2D_EFS_MOUNT")
	if err := os.MkdirAll(mount, 0744); err != nil {
		log.Worker.Fatal(err)
	}
}

func waitForSig() {
	signalChan := make(chan os.Signal, 1)
	defer close(signalChan)

	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan
	fmt.Println("Shutting down ab2dworker...")
}
