package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/ab2d/client"
	"github.com/jagveer-loky/ab2d/ab2d/constants"
	"github.com/jagveer-loky/ab2d/ab2d/models"
	fhirModels "github.com/jagveer-loky/ab2d/ab2d/models/fhir"
	"github.com/jagveer-loky/ab2d/ab2d/monitoring"
	"github.com/jagveer-loky/ab2d/ab2d/utils"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
)

// ContractProcessor pulls claims for every beneficiary covered under a
// job's contract and streams them to the job's output files.
type ContractProcessor struct {
	repo         repository.Repository
	coverageRepo repository.CoverageRepository
	pool         *PatientPool
	logger       logrus.FieldLogger

	failurePercent   int
	cancelFrequency  int
	coveragePageSize int
}

func NewContractProcessor(repo repository.Repository, coverageRepo repository.CoverageRepository, pool *PatientPool, logger logrus.FieldLogger) *ContractProcessor {
	return &ContractProcessor{
		repo:             repo,
		coverageRepo:     coverageRepo,
		pool:             pool,
		logger:           logger,
		failurePercent:   utils.GetEnvFailPct("EXPORT_FAIL_PCT", 50),
		cancelFrequency:  utils.GetEnvInt("CANCELLATION_CHECK_FREQUENCY", 10),
		coveragePageSize: utils.GetEnvInt("COVERAGE_PAGE_SIZE", 1000),
	}
}

// ProcessContract fans the job's beneficiaries out over the patient pool and
// blocks until every one finished, the failure threshold tripped, or the job
// was cancelled out from under us.
func (c *ContractProcessor) ProcessContract(ctx context.Context, job *models.Job, jobArgs models.JobEnqueueArgs, bfd client.APIClient, sh *StreamHelper, progress *ProgressTracker) error {
	defer monitoring.StartSegment(ctx, "worker.ProcessContract").End()

	contract, err := c.repo.GetContract(ctx, jobArgs.ContractNumber)
	if err != nil {
		return errors.Wrap(err, "could not retrieve contract from database")
	}
	if !contract.HasAttestation() {
		return fmt.Errorf("contract %s has no attestation", contract.ContractNumber)
	}

	summaries, err := c.loadCoverage(ctx, jobArgs.ContractNumber, progress)
	if err != nil {
		return errors.Wrap(err, "could not load coverage for contract")
	}
	total := len(summaries)
	progress.SetExpected(total)
	if total == 0 {
		c.logger.Warnf("no beneficiaries covered under contract %s", jobArgs.ContractNumber)
		return nil
	}

	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var submitted int64
	results := make(chan error, total)
	submitDone := make(chan struct{})
	go func() {
		defer close(submitDone)
		for i := range summaries {
			summary := summaries[i]
			err := c.pool.Submit(procCtx, job.JobUUID, func() {
				results <- c.processPatient(procCtx, jobArgs, summary, *contract.AttestedOn, bfd, sh)
			})
			if err != nil {
				return
			}
			atomic.AddInt64(&submitted, 1)
		}
	}()

	var (
		received    int
		failed      int
		sinceCheck  int
		submitsOver bool
		abortErr    error
	)
	for {
		select {
		case err := <-results:
			received++
			sinceCheck++
			failure := err != nil && !errors.Is(err, context.Canceled)
			if failure {
				failed++
			}
			progress.RecordCompletion(ctx, failure)

			if abortErr == nil && failed*100 > c.failurePercent*total {
				abortErr = fmt.Errorf("cancelling job: %d of %d beneficiaries failed, exceeding %d%% threshold",
					failed, total, c.failurePercent)
				cancel()
			}
			if abortErr == nil && sinceCheck >= c.cancelFrequency {
				sinceCheck = 0
				if cancelled := c.jobCancelled(ctx, job.ID); cancelled {
					abortErr = ErrJobCancelled
					cancel()
				}
			}
		case <-submitDone:
			submitsOver = true
			submitDone = nil
		}
		if submitsOver && received == int(atomic.LoadInt64(&submitted)) {
			break
		}
	}

	if abortErr != nil {
		return abortErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// loadCoverage pages the cached enrollment for the contract into memory.
func (c *ContractProcessor) loadCoverage(ctx context.Context, contractNumber string, progress *ProgressTracker) ([]models.CoverageSummary, error) {
	defer monitoring.StartSegment(ctx, "worker.loadCoverage").End()

	var (
		summaries []models.CoverageSummary
		cursor    string
	)
	for {
		page, err := c.coverageRepo.GetCoverageSummaries(ctx, contractNumber, cursor, c.coveragePageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return summaries, nil
		}
		summaries = append(summaries, page...)
		progress.AddLoaded(len(page))
		cursor = page[len(page)-1].Identifiers.BeneficiaryID
	}
}

// processPatient pulls one beneficiary's claims, filters them, and streams
// the survivors. A failure is written to the error file before returning.
func (c *ContractProcessor) processPatient(ctx context.Context, jobArgs models.JobEnqueueArgs, summary models.CoverageSummary, attestedOn time.Time, bfd client.APIClient, sh *StreamHelper) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bundle, err := bfd.GetExplanationOfBenefit(jobArgs, summary.Identifiers.BeneficiaryID)
	for err == nil {
		for _, entry := range bundle.Entries {
			if !keepResource(entry, summary, attestedOn) {
				continue
			}
			line, marshalErr := json.Marshal(entry.Resource())
			if marshalErr != nil {
				err = marshalErr
				break
			}
			if writeErr := sh.AddData(line); writeErr != nil {
				err = writeErr
				break
			}
		}
		if err != nil || bundle.NextLink() == "" {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		bundle, err = bfd.GetNextBundle(bundle)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		c.appendError(summary.Identifiers.BeneficiaryID, err, sh)
		return errors.Wrapf(err, "failed to retrieve claims for beneficiary %s", summary.Identifiers.BeneficiaryID)
	}
	return nil
}

// keepResource applies the export filters: EOBs only, billable inside the
// beneficiary's enrollment, and never before contract attestation. Resources
// without a parseable billable date pass through.
func keepResource(entry fhirModels.BundleEntry, summary models.CoverageSummary, attestedOn time.Time) bool {
	if entry.ResourceType() != constants.EOB {
		return false
	}
	billable, ok := entry.BillableStart()
	if !ok {
		return true
	}
	if billable.Before(attestedOn) {
		return false
	}
	return summary.CoveredAt(billable)
}

func (c *ContractProcessor) appendError(beneficiaryID string, cause error, sh *StreamHelper) {
	outcome := map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []map[string]interface{}{{
			"severity":    "error",
			"code":        "exception",
			"diagnostics": fmt.Sprintf("error retrieving ExplanationOfBenefit for beneficiary %s: %s", beneficiaryID, cause),
		}},
	}
	line, err := json.Marshal(outcome)
	if err != nil {
		c.logger.Errorf("failed to marshal operation outcome: %s", err)
		return
	}
	if err := sh.AddError(line); err != nil {
		c.logger.Errorf("failed to write operation outcome: %s", err)
	}
}

// jobCancelled re-reads the job to notice out-of-band cancellation.
func (c *ContractProcessor) jobCancelled(ctx context.Context, jobID uint) bool {
	job, err := c.repo.GetJobByID(ctx, jobID)
	if err != nil {
		c.logger.Warnf("could not poll job %d for cancellation: %s", jobID, err)
		return false
	}
	return job.Status == models.JobStatusCancelled
}
