package eventlogger

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/jagveer-loky/ab2d/ab2d/models"
	"github.com/jagveer-loky/ab2d/conf"
	"github.com/jagveer-loky/ab2d/log"
)

// Notifier allows the slack client to be mocked for testing.
type Notifier interface {
	PostMessageContext(context.Context, string, ...slack.MsgOption) (string, string, error)
}

// EventLogger records the durable business events produced by the pipeline.
// Implementations must be safe for concurrent use.
type EventLogger interface {
	LogJobStatusChange(job *models.Job, oldStatus, newStatus models.JobStatus, message string)
	LogFileEvent(jobUUID, filePath, event string)
	LogContractSearchSummary(contractNumber string, periodID int, benesExpected, benesQueued, benesErrored int)
	Alert(ctx context.Context, message string)
}

type eventLogger struct {
	logger       logrus.FieldLogger
	notifier     Notifier
	slackChannel string
	environment  string
}

func New(logger logrus.FieldLogger, notifier Notifier) EventLogger {
	return &eventLogger{
		logger:       logger,
		notifier:     notifier,
		slackChannel: conf.GetEnv("AB2D_SLACK_CHANNEL"),
		environment:  conf.GetEnv("DEPLOYMENT_TARGET"),
	}
}

// NewDefault wires the event logger to the worker logger and, when a token is
// configured, a real slack client.
func NewDefault() EventLogger {
	var notifier Notifier
	if token := conf.GetEnv("AB2D_SLACK_TOKEN"); token != "" {
		notifier = slack.New(token)
	}
	return New(log.Worker, notifier)
}

func (e *eventLogger) LogJobStatusChange(job *models.Job, oldStatus, newStatus models.JobStatus, message string) {
	e.logger.WithFields(logrus.Fields{
		"event":      "job_status_change",
		"job_id":     job.ID,
		"job_uuid":   job.JobUUID,
		"old_status": oldStatus,
		"new_status": newStatus,
	}).Info(message)
}

func (e *eventLogger) LogFileEvent(jobUUID, filePath, event string) {
	e.logger.WithFields(logrus.Fields{
		"event":     "file_event",
		"job_uuid":  jobUUID,
		"file_path": filePath,
	}).Info(event)
}

func (e *eventLogger) LogContractSearchSummary(contractNumber string, periodID int, benesExpected, benesQueued, benesErrored int) {
	e.logger.WithFields(logrus.Fields{
		"event":          "contract_search_summary",
		"contract":       contractNumber,
		"period_id":      periodID,
		"benes_expected": benesExpected,
		"benes_queued":   benesQueued,
		"benes_errored":  benesErrored,
	}).Info("contract enrollment search finished")
}

// Alert logs at error level and, when a notifier is configured, mirrors the
// message to slack. Notifier failures are logged and swallowed; alerting must
// never fail the caller.
func (e *eventLogger) Alert(ctx context.Context, message string) {
	e.logger.Error(message)

	if e.notifier == nil {
		return
	}
	_, _, err := e.notifier.PostMessageContext(ctx, e.slackChannel,
		slack.MsgOptionText(fmt.Sprintf("%s environment: %s", e.environment, message), false))
	if err != nil {
		e.logger.Errorf("error sending notifier message: %+v", err)
	}
}
