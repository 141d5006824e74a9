// internal/app/notification_service.go
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"uci_middleware/internal/domain/correspondent"
	"uci_middleware/internal/domain/submission"
	domainTelegram "uci_middleware/internal/domain/telegram"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// NotificationService keeps operators informed about submissions of
// correspondents that opted into notifications.
type NotificationService interface {
	// NotifyResponseReceived announces a completed submission.
	NotifyResponseReceived(ctx context.Context, sub *submission.Submission) error
	// SendPendingDigest sends one message listing the overdue submissions of
	// every notification-enabled correspondent and returns how many it listed.
	SendPendingDigest(ctx context.Context) (int, error)
}

// NotificationServiceImpl implements NotificationService over a Telegram client.
type NotificationServiceImpl struct {
	lifecycle      LifecycleService
	uowFactory     submission.UnitOfWorkFactory
	telegramClient domainTelegram.Client
	logger         logrus.FieldLogger
	operatorChatID int64
	olderThanHours int
}

func NewNotificationServiceImpl(
	lifecycle LifecycleService,
	uowFactory submission.UnitOfWorkFactory,
	tc domainTelegram.Client,
	logger logrus.FieldLogger,
	operatorChatID int64,
	olderThanHours int,
) *NotificationServiceImpl {
	return &NotificationServiceImpl{
		lifecycle:      lifecycle,
		uowFactory:     uowFactory,
		telegramClient: tc,
		logger:         logger,
		operatorChatID: operatorChatID,
		olderThanHours: olderThanHours,
	}
}

func (s *NotificationServiceImpl) NotifyResponseReceived(ctx context.Context, sub *submission.Submission) error {
	if !sub.CorrespondentID.Valid {
		return nil
	}
	c, err := s.uowFactory.NewUnitOfWork().Correspondents().GetByID(ctx, sub.CorrespondentID.UUID)
	if err != nil {
		if errors.Is(err, correspondent.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load correspondent for notification: %w", err)
	}
	if !c.ReceiveNotifications {
		return nil
	}

	var b strings.Builder
	b.WriteString("Response received\n")
	fmt.Fprintf(&b, "Correspondent: %s (%s)\n", c.Code, c.ConventionalName)
	fmt.Fprintf(&b, "Protocol: %s\n", sub.Protocol.String)
	fmt.Fprintf(&b, "Input: %s\n", sub.InputFileName)
	if sub.OutputFileName.Valid {
		fmt.Fprintf(&b, "Output: %s\n", sub.OutputFileName.String)
	}
	if c.NotificationEmail.Valid {
		fmt.Fprintf(&b, "Contact: %s\n", c.NotificationEmail.String)
	}

	if err := s.telegramClient.SendMessage(s.operatorChatID, b.String(), &telebot.SendOptions{DisableWebPagePreview: true}); err != nil {
		return fmt.Errorf("failed to send response notification: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"submission_id": sub.ID, "correspondent_code": c.Code}).Info("Response notification sent")
	return nil
}

func (s *NotificationServiceImpl) SendPendingDigest(ctx context.Context) (int, error) {
	enabled, err := s.uowFactory.NewUnitOfWork().Correspondents().ListNotificationEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list notification-enabled correspondents: %w", err)
	}
	if len(enabled) == 0 {
		return 0, nil
	}
	pending, err := s.lifecycle.ListOverdue(ctx, s.olderThanHours)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue submissions: %w", err)
	}

	byCorrespondent := make(map[uuid.UUID][]*submission.Submission)
	for _, sub := range pending {
		if sub.CorrespondentID.Valid {
			byCorrespondent[sub.CorrespondentID.UUID] = append(byCorrespondent[sub.CorrespondentID.UUID], sub)
		}
	}

	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Code < enabled[j].Code })
	var b strings.Builder
	listed := 0
	for _, c := range enabled {
		subs := byCorrespondent[c.ID]
		if len(subs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s %s (%d)\n", c.Code, c.ConventionalName, len(subs))
		for _, sub := range subs {
			fmt.Fprintf(&b, "  %s %s sent %s\n", sub.Protocol.String, sub.InputFileName, sub.SendDate.Time.Format("2006-01-02 15:04"))
		}
		listed += len(subs)
	}
	if listed == 0 {
		s.logger.Debug("No overdue submissions for notification-enabled correspondents")
		return 0, nil
	}

	text := fmt.Sprintf("Submissions awaiting a response for more than %dh:\n%s", s.olderThanHours, b.String())
	if err := s.telegramClient.SendMessage(s.operatorChatID, text, nil); err != nil {
		return 0, fmt.Errorf("failed to send pending digest: %w", err)
	}
	s.logger.WithField("submissions", listed).Info("Pending digest sent")
	return listed, nil
}
