package scheduler

import (
	"context"
	"fmt"
	"time"

	"uci_middleware/internal/app"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Poller is the pending-response pass run by the scan job.
type Poller interface {
	Poll(ctx context.Context) (app.PollReport, error)
}

// CleanupRetrier re-runs relocations whose source was not deleted.
type CleanupRetrier interface {
	RetryCleanups(ctx context.Context, limit int) (int, error)
}

// Digester sends the overdue-submission digest.
type Digester interface {
	SendPendingDigest(ctx context.Context) (int, error)
}

type SubmissionScheduler struct {
	cronEngine        *cron.Cron
	poller            Poller
	cleanups          CleanupRetrier
	digester          Digester
	logger            logrus.FieldLogger
	cronSpecScan      string
	cronSpecCleanup   string
	cronSpecDigest    string
	cleanupBatchSize  int
	scanTimeout       time.Duration
	cleanupJobTimeout time.Duration
}

func NewSubmissionScheduler(
	poller Poller,
	cleanups CleanupRetrier,
	digester Digester,
	logger logrus.FieldLogger,
	cronSpecScan string, // e.g., "*/15 * * * *" (every 15 minutes)
	cronSpecCleanup string, // e.g., "0 * * * *" (hourly)
	cronSpecDigest string, // e.g., "0 8 * * *" (daily at 08:00 UTC)
	cleanupBatchSize int,
) *SubmissionScheduler {
	return &SubmissionScheduler{
		cronEngine: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
		),
		poller:            poller,
		cleanups:          cleanups,
		digester:          digester,
		logger:            logger,
		cronSpecScan:      cronSpecScan,
		cronSpecCleanup:   cronSpecCleanup,
		cronSpecDigest:    cronSpecDigest,
		cleanupBatchSize:  cleanupBatchSize,
		scanTimeout:       10 * time.Minute,
		cleanupJobTimeout: 5 * time.Minute,
	}
}

// Start registers the jobs and starts the cron engine. A job with an empty
// spec is not scheduled.
func (s *SubmissionScheduler) Start() error {
	s.logger.Info("Starting submission scheduler...")

	if s.cronSpecScan != "" && s.poller != nil {
		if _, err := s.cronEngine.AddFunc(s.cronSpecScan, s.RunPendingScan); err != nil {
			return fmt.Errorf("could not add pending-response scan job: %w", err)
		}
	}
	if s.cronSpecCleanup != "" && s.cleanups != nil {
		if _, err := s.cronEngine.AddFunc(s.cronSpecCleanup, s.RunCleanupRetry); err != nil {
			return fmt.Errorf("could not add relocation cleanup job: %w", err)
		}
	}

	if s.cronSpecDigest != "" && s.digester != nil {
		if _, err := s.cronEngine.AddFunc(s.cronSpecDigest, s.RunDigest); err != nil {
			return fmt.Errorf("could not add pending digest job: %w", err)
		}
	}

	s.cronEngine.Start()
	s.logger.WithField("jobs", len(s.cronEngine.Entries())).Info("Submission scheduler started")
	return nil
}

// RunPendingScan runs one pending-response pass.
func (s *SubmissionScheduler) RunPendingScan() {
	s.logger.Debug("Cron job triggered for pending-response scan")
	ctx, cancel := context.WithTimeout(context.Background(), s.scanTimeout)
	defer cancel()
	if _, err := s.poller.Poll(ctx); err != nil {
		s.logger.WithError(err).Error("Pending-response scan failed")
	}
}

// RunCleanupRetry runs one relocation cleanup pass.
func (s *SubmissionScheduler) RunCleanupRetry() {
	s.logger.Debug("Cron job triggered for relocation cleanup retry")
	ctx, cancel := context.WithTimeout(context.Background(), s.cleanupJobTimeout)
	defer cancel()
	resolved, err := s.cleanups.RetryCleanups(ctx, s.cleanupBatchSize)
	if err != nil {
		s.logger.WithError(err).Error("Relocation cleanup retry failed")
		return
	}
	if resolved > 0 {
		s.logger.WithField("resolved", resolved).Info("Relocation cleanups resolved")
	}
}

// RunDigest sends one pending digest.
func (s *SubmissionScheduler) RunDigest() {
	s.logger.Debug("Cron job triggered for pending digest")
	ctx, cancel := context.WithTimeout(context.Background(), s.cleanupJobTimeout)
	defer cancel()
	if _, err := s.digester.SendPendingDigest(ctx); err != nil {
		s.logger.WithError(err).Error("Pending digest failed")
	}
}

func (s *SubmissionScheduler) Stop() {
	s.logger.Info("Stopping submission scheduler...")
	ctx := s.cronEngine.Stop() // waits for running jobs
	<-ctx.Done()
	s.logger.Info("Submission scheduler gracefully stopped")
}
