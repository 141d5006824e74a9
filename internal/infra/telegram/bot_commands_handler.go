// internal/infra/telegram/bot_commands_handler.go
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"uci_middleware/internal/app"
	"uci_middleware/internal/domain/submission"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const commandTimeout = 30 * time.Second

const helpText = "Available commands:\n\n" +
	"/status <protocol> - show a submission by its protocol\n" +
	"/pending [hours] - list sent submissions still awaiting a response\n" +
	"/digest - send the pending digest now\n" +
	"/help - show this message"

// RegisterBotCommands registers the operator commands. Only the operator chat
// (or a user whose id equals it) may use them.
func RegisterBotCommands(
	b *telebot.Bot,
	operatorChatID int64,
	lifecycle app.LifecycleService,
	notifications app.NotificationService,
	defaultHours int,
	baseLogger logrus.FieldLogger,
) {
	guard := func(name string, h func(c telebot.Context, log logrus.FieldLogger) error) telebot.HandlerFunc {
		return func(c telebot.Context) error {
			log := baseLogger.WithField("command", name)
			if c.Sender() != nil {
				log = log.WithField("sender_id", c.Sender().ID)
			}
			if !isOperator(c, operatorChatID) {
				log.Warn("Unauthorized access attempt")
				return c.Send("You are not allowed to use this bot.")
			}
			log.Info("Processing command")
			return h(c, log)
		}
	}

	b.Handle("/start", guard("/start", func(c telebot.Context, _ logrus.FieldLogger) error {
		return c.Send("Submission engine bot is ready. Use /help for the list of commands.")
	}))

	b.Handle("/help", guard("/help", func(c telebot.Context, _ logrus.FieldLogger) error {
		return c.Send(helpText)
	}))

	b.Handle("/status", guard("/status", func(c telebot.Context, log logrus.FieldLogger) error {
		args := c.Args()
		if len(args) != 1 {
			return c.Send("Usage: /status <protocol>")
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		sub, err := lifecycle.GetByProtocol(ctx, args[0])
		if errors.Is(err, submission.ErrNotFound) {
			return c.Send(fmt.Sprintf("No submission with protocol %s.", args[0]))
		}
		if err != nil {
			log.WithError(err).Error("Failed to look up submission")
			return c.Send("Lookup failed, please try again later.")
		}
		return c.Send(formatSubmission(sub))
	}))

	b.Handle("/pending", guard("/pending", func(c telebot.Context, log logrus.FieldLogger) error {
		hours, err := parseHours(c.Args(), defaultHours)
		if err != nil {
			return c.Send("Usage: /pending [hours]")
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		pending, err := lifecycle.ListOverdue(ctx, hours)
		if err != nil {
			log.WithError(err).Error("Failed to list pending submissions")
			return c.Send("Listing failed, please try again later.")
		}
		return c.Send(formatPending(pending, hours))
	}))

	b.Handle("/digest", guard("/digest", func(c telebot.Context, log logrus.FieldLogger) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		n, err := notifications.SendPendingDigest(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to send pending digest")
			return c.Send("Digest failed, please try again later.")
		}
		if n == 0 {
			return c.Send("Nothing is overdue.")
		}
		return nil
	}))
}

func isOperator(c telebot.Context, operatorChatID int64) bool {
	if c.Chat() != nil && c.Chat().ID == operatorChatID {
		return true
	}
	return c.Sender() != nil && c.Sender().ID == operatorChatID
}

func parseHours(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	if len(args) > 1 {
		return 0, fmt.Errorf("too many arguments")
	}
	h, err := strconv.Atoi(args[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hours %q", args[0])
	}
	return h, nil
}

func formatSubmission(sub *submission.Submission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Protocol: %s\n", sub.Protocol.String)
	fmt.Fprintf(&b, "Status: %s\n", sub.Status)
	fmt.Fprintf(&b, "Input: %s\n", sub.InputFileName)
	fmt.Fprintf(&b, "Uploaded: %s\n", formatTime(sub.UploadDate))
	if sub.SendDate.Valid {
		fmt.Fprintf(&b, "Sent: %s\n", formatTime(sub.SendDate.Time))
	}
	if sub.LastResponseAttemptDate.Valid && !sub.ResponseDate.Valid {
		fmt.Fprintf(&b, "Last poll: %s\n", formatTime(sub.LastResponseAttemptDate.Time))
	}
	if sub.ResponseDate.Valid {
		fmt.Fprintf(&b, "Answered: %s\n", formatTime(sub.ResponseDate.Time))
	}
	if sub.OutputFileName.Valid {
		fmt.Fprintf(&b, "Output: %s\n", sub.OutputFileName.String)
	}
	if sub.ValidationError.Valid {
		fmt.Fprintf(&b, "Errors: %s\n", sub.ValidationError.String)
	}
	return b.String()
}

func formatPending(pending []*submission.Submission, hours int) string {
	if len(pending) == 0 {
		return fmt.Sprintf("No submission has been waiting more than %dh.", hours)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d submission(s) waiting more than %dh:\n", len(pending), hours)
	for _, sub := range pending {
		fmt.Fprintf(&b, "%s %s sent %s\n", sub.Protocol.String, sub.InputFileName, formatTime(sub.SendDate.Time))
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04")
}
