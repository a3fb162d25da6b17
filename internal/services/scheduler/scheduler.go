// Package scheduler выполняет периодические задачи биллинга: снимает с публикации
// учётные записи с истёкшей подпиской и рассылает напоминания о триале.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/magabrotheeeer/blackbook-billing/internal/config"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
	"github.com/magabrotheeeer/blackbook-billing/internal/models"
)

// Имена задач для логов и метрик.
const (
	JobExpiry         = "expiry"
	JobTrialReminders = "trial_reminders"
)

// Repository операции хранилища, нужные планировщику.
type Repository interface {
	DeactivateExpired(ctx context.Context, now time.Time) ([]models.Account, error)
	ListTrialAccounts(ctx context.Context) ([]models.Account, error)
	ClaimTrialMilestone(ctx context.Context, telegramID int64, m models.TrialMilestone) (bool, error)
}

// Publisher отправляет уведомления в брокер.
type Publisher interface {
	PublishNotification(ctx context.Context, n models.Notification) error
}

// Cache сбрасывает снимок учётной записи.
type Cache interface {
	InvalidateAccount(ctx context.Context, telegramID int64) error
}

// Metrics учитывает запуски задач.
type Metrics interface {
	ObserveJob(job string, d time.Duration, err error)
}

// Thresholds часы до окончания триала, начиная с которых уходит напоминание.
// Winback отсчитывается от окончания: через столько уходит письмо-возврат, 0 его отключает.
type Thresholds struct {
	Day2    time.Duration
	Day5    time.Duration
	LastDay time.Duration
	Winback time.Duration
}

// ThresholdsFromConfig переводит часы из конфига в длительности.
func ThresholdsFromConfig(cfg config.Scheduler) Thresholds {
	return Thresholds{
		Day2:    time.Duration(cfg.ReminderDay2Hours) * time.Hour,
		Day5:    time.Duration(cfg.ReminderDay5Hours) * time.Hour,
		LastDay: time.Duration(cfg.ReminderLastDayHours) * time.Hour,
		Winback: time.Duration(cfg.WinbackAfterHours) * time.Hour,
	}
}

// Service планировщик задач биллинга.
type Service struct {
	repo       Repository
	publisher  Publisher
	cache      Cache
	metrics    Metrics
	log        *slog.Logger
	thresholds Thresholds
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New создаёт планировщик. cache и metrics могут быть nil.
func New(log *slog.Logger, repo Repository, publisher Publisher, cache Cache, metrics Metrics, thresholds Thresholds) *Service {
	return &Service{
		repo:       repo,
		publisher:  publisher,
		cache:      cache,
		metrics:    metrics,
		log:        log,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Start регистрирует задачи по расписанию cron и запускает их.
// Задача, не успевшая завершиться к следующему запуску, пропускает его.
func (s *Service) Start(ctx context.Context, cfg config.Scheduler) error {
	const op = "scheduler.Start"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("%s: scheduler is already running", op)
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(cfg.ExpirySpec, func() { s.run(ctx, JobExpiry, s.RunExpiry) }); err != nil {
		return fmt.Errorf("%s: expiry spec %q: %w", op, cfg.ExpirySpec, err)
	}
	if _, err := c.AddFunc(cfg.TrialReminderSpec, func() { s.run(ctx, JobTrialReminders, s.RunTrialReminders) }); err != nil {
		return fmt.Errorf("%s: trial reminder spec %q: %w", op, cfg.TrialReminderSpec, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("scheduler started",
		slog.String("expiry_spec", cfg.ExpirySpec),
		slog.String("trial_reminder_spec", cfg.TrialReminderSpec),
	)
	return nil
}

// Stop останавливает расписание и ждёт завершения запущенных задач.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Service) run(ctx context.Context, job string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := fn(ctx)
	if s.metrics != nil {
		s.metrics.ObserveJob(job, time.Since(start), err)
	}
	if err != nil {
		s.log.Error("scheduler job failed", slog.String("job", job), sl.Err(err))
	}
}

// RunExpiry снимает is_active с истёкших подписок и публикует уведомления.
// Для триала уведомление уходит один раз, через флаг trial_expired_notified.
func (s *Service) RunExpiry(ctx context.Context) error {
	const op = "scheduler.RunExpiry"
	log := s.log.With(slog.String("op", op))

	expired, err := s.repo.DeactivateExpired(ctx, s.now())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(expired) == 0 {
		log.Debug("no expired subscriptions found")
		return nil
	}
	log.Info("deactivated expired subscriptions", slog.Int("count", len(expired)))

	var errs []error
	for _, acc := range expired {
		s.invalidate(ctx, log, acc.TelegramID)
		if acc.Tier == models.TierTrial {
			if err := s.notifyTrialExpired(ctx, acc); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		err := s.publisher.PublishNotification(ctx, models.Notification{
			Event:      models.EventSubscriptionExpired,
			TelegramID: acc.TelegramID,
			Tier:       acc.Tier,
			Until:      acc.ExpiryDate,
		})
		if err != nil {
			log.Error("failed to publish expiry notification", slog.Int64("telegram_id", acc.TelegramID), sl.Err(err))
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RunTrialReminders рассылает напоминания о триале. Каждая веха уходит не больше
// одного раза: флаг ставится до публикации.
func (s *Service) RunTrialReminders(ctx context.Context) error {
	const op = "scheduler.RunTrialReminders"
	log := s.log.With(slog.String("op", op))

	accounts, err := s.repo.ListTrialAccounts(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	sent := map[models.TrialMilestone]int{}
	var errs []error
	for _, acc := range accounts {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if acc.ExpiryDate == nil {
			continue
		}
		left := acc.ExpiryDate.Sub(now)
		if left <= 0 {
			switch {
			case !acc.Reminders.ExpiredNotice:
				if err := s.notifyTrialExpired(ctx, acc); err != nil {
					errs = append(errs, err)
				}
			case s.thresholds.WinbackDue(-left, acc.Reminders):
				if err := s.notifyTrialWinback(ctx, acc); err != nil {
					errs = append(errs, err)
					continue
				}
				sent[models.MilestoneWinback]++
			}
			continue
		}

		m, ok := s.thresholds.Milestone(left, acc.Reminders)
		if !ok {
			continue
		}
		claimed, err := s.repo.ClaimTrialMilestone(ctx, acc.TelegramID, m)
		if err != nil {
			log.Error("failed to claim trial milestone", slog.Int64("telegram_id", acc.TelegramID), sl.Err(err))
			errs = append(errs, err)
			continue
		}
		if !claimed {
			continue
		}
		err = s.publisher.PublishNotification(ctx, models.Notification{
			Event:      models.EventTrialReminder,
			TelegramID: acc.TelegramID,
			Tier:       models.TierTrial,
			Milestone:  string(m),
			Hours:      int(left.Hours()),
			Until:      acc.ExpiryDate,
		})
		if err != nil {
			log.Error("failed to publish trial reminder", slog.Int64("telegram_id", acc.TelegramID), sl.Err(err))
			errs = append(errs, err)
			continue
		}
		sent[m]++
	}
	if len(sent) > 0 {
		log.Info("trial reminders sent",
			slog.Int("day2", sent[models.MilestoneDay2]),
			slog.Int("day5", sent[models.MilestoneDay5]),
			slog.Int("lastday", sent[models.MilestoneLastDay]),
			slog.Int("winback", sent[models.MilestoneWinback]),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Milestone выбирает веху для оставшегося времени триала. Из окна раннего
// напоминания, уже перекрытого более поздним, ничего не отправляется.
func (t Thresholds) Milestone(left time.Duration, sent models.TrialReminders) (models.TrialMilestone, bool) {
	switch {
	case left <= t.LastDay:
		return models.MilestoneLastDay, !sent.LastDaySent
	case left <= t.Day5:
		return models.MilestoneDay5, !sent.Day5Sent
	case left <= t.Day2:
		return models.MilestoneDay2, !sent.Day2Sent
	}
	return "", false
}

// WinbackDue сообщает, пора ли отправить письмо-возврат триалу, закончившемуся since назад.
// Письмо идёт только после уведомления об окончании.
func (t Thresholds) WinbackDue(since time.Duration, sent models.TrialReminders) bool {
	if t.Winback <= 0 || !sent.ExpiredNotice || sent.WinbackSent {
		return false
	}
	return since >= t.Winback
}

func (s *Service) notifyTrialWinback(ctx context.Context, acc models.Account) error {
	claimed, err := s.repo.ClaimTrialMilestone(ctx, acc.TelegramID, models.MilestoneWinback)
	if err != nil {
		s.log.Error("failed to claim trial winback", slog.Int64("telegram_id", acc.TelegramID), sl.Err(err))
		return err
	}
	if !claimed {
		return nil
	}
	err = s.publisher.PublishNotification(ctx, models.Notification{
		Event:      models.EventTrialWinback,
		TelegramID: acc.TelegramID,
		Tier:       models.TierTrial,
		Milestone:  string(models.MilestoneWinback),
		Until:      acc.ExpiryDate,
	})
	if err != nil {
		s.log.Error("failed to publish trial winback", slog.Int64("telegram_id", acc.TelegramID), sl.Err(err))
		return err
	}
	return nil
}

func (s *Service) notifyTrialExpired(ctx context.Context, acc models.Account) error {
	claimed, err := s.repo.ClaimTrialMilestone(ctx, acc.TelegramID, models.MilestoneExpired)
	if err != nil {
		s.log.Error("failed to claim trial expiry notice", slog.Int64("telegram_id", acc.TelegramID), sl.Err(err))
		return err
	}
	if !claimed {
		return nil
	}
	err = s.publisher.PublishNotification(ctx, models.Notification{
		Event:      models.EventTrialExpired,
		TelegramID: acc.TelegramID,
		Tier:       models.TierTrial,
		Milestone:  string(models.MilestoneExpired),
		Until:      acc.ExpiryDate,
	})
	if err != nil {
		s.log.Error("failed to publish trial expiry notice", slog.Int64("telegram_id", acc.TelegramID), sl.Err(err))
		return err
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, log *slog.Logger, telegramID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateAccount(ctx, telegramID); err != nil {
		log.Warn("failed to invalidate account cache", slog.Int64("telegram_id", telegramID), sl.Err(err))
	}
}

// cronLogger пишет события cron в slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, sl.Err(err))...)
}
