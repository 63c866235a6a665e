// Package repository contains all of the methods needed to interact with the
// AB2D data stores.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jagveer-loky/ab2d/ab2d/models"
)

type Repository interface {
	jobRepository
	jobOutputRepository
	contractRepository
}

type jobRepository interface {
	// CreateJob persists a new export job and returns its assigned ID.
	CreateJob(ctx context.Context, j models.Job) (uint, error)

	GetJobByID(ctx context.Context, jobID uint) (*models.Job, error)
	GetJobByUUID(ctx context.Context, jobUUID string) (*models.Job, error)

	UpdateJobStatus(ctx context.Context, jobID uint, new models.JobStatus) error

	// UpdateJobStatusCheckStatus updates the particular job indicated by the
	// jobID iff the Job's status field matches current.
	UpdateJobStatusCheckStatus(ctx context.Context, jobID uint, current, new models.JobStatus) error

	UpdateJobProgress(ctx context.Context, jobID uint, percent int) error

	UpdateJobStatusMessage(ctx context.Context, jobID uint, message string) error

	// UpdateJobSince records the resolved since value and its provenance.
	UpdateJobSince(ctx context.Context, jobID uint, since *time.Time, source models.SinceSource) error

	// CompleteJob moves a job still IN_PROGRESS to a terminal status with
	// its expiry stamped; ErrJobNotUpdated means the job was already
	// terminal and nothing changed.
	CompleteJob(ctx context.Context, jobID uint, status models.JobStatus, expiresAt time.Time) error

	// GetSuccessfulJobsByOrgAndContract returns SUCCESSFUL jobs for the
	// organization/contract pair, most recent first.
	GetSuccessfulJobsByOrgAndContract(ctx context.Context, organizationID, contractNumber string) ([]*models.Job, error)
}

type jobOutputRepository interface {
	CreateJobOutputs(ctx context.Context, outputs []models.JobOutput) error
	GetJobOutputs(ctx context.Context, jobID uint) ([]models.JobOutput, error)
}

type contractRepository interface {
	GetContract(ctx context.Context, contractNumber string) (*models.Contract, error)

	// GetAttestedContracts returns every contract with a non-null
	// attestation, including those flagged no-automatic-update.
	GetAttestedContracts(ctx context.Context) ([]models.Contract, error)
}

var (
	ErrJobNotUpdated     = errors.New("job was not updated, no match found")
	ErrJobNotFound       = errors.New("no job found for given id")
	ErrNoSearchAvailable = errors.New("no coverage search available")
	ErrLockTimeout       = errors.New("timed out waiting for lock")
)
