package app

import (
	"context"
	"errors"
	"fmt"

	"uci_middleware/internal/domain/storage"
	"uci_middleware/internal/domain/submission"
	"uci_middleware/internal/infra/config"

	"github.com/sirupsen/logrus"
)

// PollReport summarizes one polling pass.
type PollReport struct {
	Scanned   int
	Completed int
	Attempted int
	Failed    int
}

// ResponsePoller looks for counterpart responses to submissions that are
// waiting for one. A response for protocol P is the object P+suffix in the
// responses area.
type ResponsePoller struct {
	lifecycle      LifecycleService
	ingestion      *IngestionService
	store          storage.ObjectStore
	relocator      *Relocator
	areas          config.StorageAreas
	suffix         string
	olderThanHours int
	notifier       NotificationService
	logger         logrus.FieldLogger
}

func NewResponsePoller(
	lifecycle LifecycleService,
	ingestion *IngestionService,
	store storage.ObjectStore,
	relocator *Relocator,
	areas config.StorageAreas,
	suffix string,
	olderThanHours int,
	logger logrus.FieldLogger,
) *ResponsePoller {
	return &ResponsePoller{
		lifecycle:      lifecycle,
		ingestion:      ingestion,
		store:          store,
		relocator:      relocator,
		areas:          areas,
		suffix:         suffix,
		olderThanHours: olderThanHours,
		logger:         logger,
	}
}

// WithNotifier makes the poller announce every completed submission.
func (p *ResponsePoller) WithNotifier(n NotificationService) *ResponsePoller {
	p.notifier = n
	return p
}

// Poll handles every pending submission once. Per-submission failures are
// logged and counted; only a failed scan or cancellation aborts the pass.
func (p *ResponsePoller) Poll(ctx context.Context) (PollReport, error) {
	var report PollReport
	pending, err := p.lifecycle.ListPendingResponse(ctx, p.olderThanHours)
	if err != nil {
		return report, fmt.Errorf("failed to list pending submissions: %w", err)
	}
	report.Scanned = len(pending)

	for _, sub := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := p.logger.WithFields(logrus.Fields{"submission_id": sub.ID, "protocol": sub.Protocol.String})
		completed, err := p.pollOne(ctx, sub, log)
		switch {
		case err != nil:
			report.Failed++
			log.WithError(err).Warn("Response poll failed")
		case completed:
			report.Completed++
		default:
			report.Attempted++
		}
	}

	p.logger.WithFields(logrus.Fields{
		"scanned":   report.Scanned,
		"completed": report.Completed,
		"attempted": report.Attempted,
		"failed":    report.Failed,
	}).Info("Response poll finished")
	return report, nil
}

func (p *ResponsePoller) pollOne(ctx context.Context, sub *submission.Submission, log logrus.FieldLogger) (bool, error) {
	if !sub.Protocol.Valid {
		return false, fmt.Errorf("sent submission %s has no protocol", sub.ID)
	}
	name := sub.Protocol.String + p.suffix
	src := storage.Ref{Area: p.areas.Responses, Name: name}
	dst := storage.Ref{Area: p.areas.Output, Name: name}

	// A response may already sit in output if an earlier pass moved it but
	// failed to record it.
	location, err := p.relocatedLocation(ctx, dst)
	if err != nil {
		return false, err
	}
	if location == "" {
		found, err := p.store.Exists(ctx, src)
		if err != nil {
			return false, err
		}
		if !found {
			_, err := p.lifecycle.RecordResponseAttempt(ctx, sub.ID)
			return false, err
		}

		res, err := p.relocator.Move(ctx, src, dst)
		if err != nil {
			if _, aErr := p.lifecycle.RecordResponseAttempt(ctx, sub.ID); aErr != nil {
				log.WithError(aErr).Warn("Failed to record response attempt")
			}
			return false, err
		}
		location = res.Location
	} else {
		log.WithField("output", dst.String()).Info("Recovering response already moved to output")
	}

	done, err := p.lifecycle.RecordResponse(ctx, sub.ID, name, location)
	if err != nil {
		return false, err
	}

	if p.notifier != nil {
		if err := p.notifier.NotifyResponseReceived(ctx, done); err != nil {
			log.WithError(err).Warn("Failed to send response notification")
		}
	}

	if p.ingestion != nil {
		if err := p.ingestion.Archive(ctx, sub); err != nil {
			log.WithError(err).Warn("Failed to archive input file")
		}
	}
	return true, nil
}

// relocatedLocation returns the location of dst, or "" if it does not exist.
func (p *ResponsePoller) relocatedLocation(ctx context.Context, dst storage.Ref) (string, error) {
	entry, err := p.store.Info(ctx, dst)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return entry.Location, nil
}
