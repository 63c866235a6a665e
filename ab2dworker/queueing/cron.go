package queueing

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/jagveer-loky/ab2d/ab2d/utils"
	"github.com/jagveer-loky/ab2d/ab2dworker/coverage"
	"github.com/jagveer-loky/ab2d/ab2dworker/repository"
	"github.com/jagveer-loky/ab2d/conf"
)

type searchProcessor interface {
	ProcessNextSearch(ctx context.Context) error
}

type coverageVerifier interface {
	VerifyCoverage(ctx context.Context) error
}

// Scheduler owns the periodic coverage duties: discovery plus staleness
// queueing, draining the search queue, and the weekly verification pass.
// These are deliberately simple wake-up-and-reconcile loops; they survive
// process restarts because all state lives in the database.
type Scheduler struct {
	cron      *cron.Cron
	driver    *coverage.Driver
	processor searchProcessor
	verifier  coverageVerifier
	logger    logrus.FieldLogger
}

func NewScheduler(driver *coverage.Driver, processor *coverage.Processor, verifier *coverage.Verifier, logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		driver:    driver,
		processor: processor,
		verifier:  verifier,
		logger:    logger,
	}
}

// Start registers the cron entries and begins running them. Schedules are
// env-overridable standard five-field cron expressions.
func (s *Scheduler) Start() error {
	entries := []struct {
		envKey   string
		fallback string
		run      func()
	}{
		{"COVERAGE_DISCOVERY_SCHEDULE", "0 * * * *", s.reconcileCoverage},
		{"COVERAGE_DRAIN_SCHEDULE", "*/5 * * * *", s.drainSearches},
		{"COVERAGE_VERIFY_SCHEDULE", "0 4 * * 0", s.verify},
	}

	for _, entry := range entries {
		schedule := conf.GetEnv(entry.envKey)
		if schedule == "" {
			schedule = entry.fallback
		}
		if _, err := s.cron.AddFunc(schedule, entry.run); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) reconcileCoverage() {
	ctx := context.Background()
	if err := s.driver.DiscoverCoveragePeriods(ctx); err != nil {
		s.logger.Errorf("coverage discovery failed: %+v", err)
		return
	}
	if err := s.driver.QueueStaleCoveragePeriods(ctx); err != nil {
		s.logger.Errorf("staleness queueing failed: %+v", err)
	}
}

// drainSearches works the coverage search queue until it is empty or another
// process holds the claim lock. A bounded set of workers drains in parallel;
// the single-row claim delete guarantees no search reaches two of them.
func (s *Scheduler) drainSearches() {
	ctx := context.Background()
	workers := utils.GetEnvInt("COVERAGE_SEARCH_WORKERS", 3)

	var (
		wg        sync.WaitGroup
		processed int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := s.processor.ProcessNextSearch(ctx)
				switch {
				case err == nil:
					atomic.AddInt64(&processed, 1)
				case goerrors.Is(err, repository.ErrNoSearchAvailable):
					return
				case goerrors.Is(err, repository.ErrLockTimeout):
					s.logger.Info("coverage search claim lock busy, yielding")
					return
				default:
					// The period was marked FAILED; move on to the next search
					s.logger.Errorf("coverage search failed: %+v", err)
					atomic.AddInt64(&processed, 1)
				}
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt64(&processed); n > 0 {
		s.logger.Infof("processed %d coverage searches", n)
	}
}

func (s *Scheduler) verify() {
	if err := s.verifier.VerifyCoverage(context.Background()); err != nil {
		s.logger.Errorf("coverage verification failed: %+v", err)
	}
}
