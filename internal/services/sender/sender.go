// Package sender превращает события биллинга из очереди в сообщения провайдеру в Telegram.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/blackbook-billing/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/telegram"
	"github.com/magabrotheeeer/blackbook-billing/internal/models"
)

// ErrUnknownEvent возвращается для события, у которого нет шаблона.
var ErrUnknownEvent = errors.New("unknown notification event")

const dateLayout = "02 Jan 2006 15:04 MST"

// MessageSender доставляет текст в чат.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Metrics учитывает отправленные уведомления.
type Metrics interface {
	ObserveNotification(event string, err error)
}

// SenderService обрабатывает сообщения очереди уведомлений.
type SenderService struct {
	transport MessageSender
	metrics   Metrics
	log       *slog.Logger
	timeout   time.Duration
}

// NewSenderService создает новый экземпляр SenderService. metrics может быть nil.
func NewSenderService(log *slog.Logger, transport MessageSender, metrics Metrics) *SenderService {
	return &SenderService{
		transport: transport,
		metrics:   metrics,
		log:       log,
		timeout:   10 * time.Second,
	}
}

// Handler возвращает обработчик для rabbitmq.ConsumerMessage.
func (s *SenderService) Handler(ctx context.Context) func([]byte) error {
	return func(body []byte) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.Handle(ctx, body)
	}
}

// Handle разбирает уведомление и отправляет его провайдеру.
// Ошибки, которые не исправит повтор, оборачивают rabbitmq.ErrPermanent.
func (s *SenderService) Handle(ctx context.Context, body []byte) error {
	const op = "sender.Handle"
	log := s.log.With(slog.String("op", op))

	var n models.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Error("failed to unmarshal notification", sl.Err(err))
		return fmt.Errorf("%s: %w: %w", op, rabbitmq.ErrPermanent, err)
	}
	log = log.With(slog.String("event", n.Event), slog.Int64("telegram_id", n.TelegramID))

	text, err := Render(n)
	if err != nil {
		log.Error("cannot render notification", sl.Err(err))
		s.observe(n.Event, err)
		return fmt.Errorf("%s: %w: %w", op, rabbitmq.ErrPermanent, err)
	}

	err = s.transport.SendMessage(ctx, n.TelegramID, text)
	s.observe(n.Event, err)
	if err != nil {
		if telegram.IsPermanent(err) {
			log.Warn("recipient unreachable, dropping notification", sl.Err(err))
			return fmt.Errorf("%s: %w: %w", op, rabbitmq.ErrPermanent, err)
		}
		log.Error("failed to send notification", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Info("notification sent")
	return nil
}

func (s *SenderService) observe(event string, err error) {
	if s.metrics != nil {
		s.metrics.ObserveNotification(event, err)
	}
}

// Render возвращает текст сообщения для уведомления.
func Render(n models.Notification) (string, error) {
	if n.TelegramID == 0 {
		return "", fmt.Errorf("%w: missing telegram_id", ErrUnknownEvent)
	}
	switch n.Event {
	case models.EventSubscriptionActivated:
		if n.Tier == models.TierTrial {
			return fmt.Sprintf("*Free Trial Activated*\n\n"+
				"Your listing is live until %s.\n\n"+
				"Choose a paid package in Top up Balance any time to stay visible after the trial.",
				formatDate(n.Until)), nil
		}
		return fmt.Sprintf("*Subscription Activated*\n\n"+
			"%s package: %d days, paid %d KES.\n"+
			"Your listing is live until %s.\n\n"+
			"Reference: `%s`",
			n.Tier.DisplayName(), n.Days, n.Amount, formatDate(n.Until), n.Reference), nil

	case models.EventBoostActivated:
		return fmt.Sprintf("*Boost Activated*\n\n"+
			"Your listing is boosted for %d hours, until %s.\n\n"+
			"Reference: `%s`",
			n.Hours, formatDate(n.Until), n.Reference), nil

	case models.EventTrialReminder:
		switch models.TrialMilestone(n.Milestone) {
		case models.MilestoneDay2:
			return "*Trial Day-2 Check-in*\n\n" +
				"Your listing is now live and clients are already browsing.\n\n" +
				"Quick win: keep photos and rates updated today so you get more responses this week.", nil
		case models.MilestoneDay5:
			return "*Trial Reminder*\n\n" +
				"Your free trial is nearing its end.\n\n" +
				"Choose a paid package in Top up Balance to stay visible without interruption.", nil
		case models.MilestoneLastDay:
			return fmt.Sprintf("*Trial Ending Soon*\n\n"+
				"Your free trial ends in about %d hours (%s).\n\n"+
				"Tap Top up Balance now to keep your listing live with no downtime.",
				n.Hours, formatDate(n.Until)), nil
		}
		return "", fmt.Errorf("%w: milestone %q", ErrUnknownEvent, n.Milestone)

	case models.EventTrialExpired:
		return "*Free Trial Ended*\n\n" +
			"Your trial has ended and your listing is now paused.\n\n" +
			"To go live again immediately, choose any paid package in Top up Balance.", nil

	case models.EventSubscriptionExpired:
		return fmt.Sprintf("*Subscription Expired*\n\n"+
			"Your %s package ended on %s and your listing is now paused.\n\n"+
			"Renew in Top up Balance to go live again.",
			n.Tier.DisplayName(), formatDate(n.Until)), nil

	case models.EventTrialWinback:
		return "*We Miss You*\n\n" +
			"Your free trial ended, but clients are still browsing.\n\n" +
			"Pick any paid package in Top up Balance and your listing goes live again right away.", nil

	case models.EventAdminAlert:
		return fmt.Sprintf("*Billing Alert*\n\n"+
			"Payment callback failed.\n"+
			"Reference: `%s`\n\n"+
			"```\n%s\n```",
			n.Reference, n.Message), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, n.Event)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "n/a"
	}
	return t.UTC().Format(dateLayout)
}
