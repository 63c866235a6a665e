package queueing

import (
	"encoding/json"

	"github.com/bgentry/que-go"
	"github.com/jackc/pgx"
	"github.com/pkg/errors"

	"github.com/jagveer-loky/ab2d/ab2d/models"
)

// Enqueuer only handles inserting job entries into the queue table. It exists
// as an interface so the que client can be mocked for testing.
type Enqueuer interface {
	AddJob(job models.JobEnqueueArgs, priority int) error
}

func NewEnqueuer(pool *pgx.ConnPool) Enqueuer {
	return queEnqueuer{que.NewClient(pool)}
}

type queEnqueuer struct {
	*que.Client
}

func (q queEnqueuer) AddJob(job models.JobEnqueueArgs, priority int) error {
	args, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "could not serialize job args")
	}

	return q.Enqueue(&que.Job{
		Type:     QueProcessJob,
		Args:     args,
		Priority: int16(priority),
	})
}
