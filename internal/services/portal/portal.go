// Package portal реализует вход провайдера в кабинет и просмотр состояния подписки.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/magabrotheeeer/blackbook-billing/internal/config"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/jwt"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/password"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
	"github.com/magabrotheeeer/blackbook-billing/internal/models"
	"github.com/magabrotheeeer/blackbook-billing/internal/storage"
	"github.com/magabrotheeeer/blackbook-billing/internal/subscription"
)

var (
	ErrInvalidCredentials = errors.New("invalid phone or password")
	ErrAccountSuspended   = errors.New("account is suspended")
	ErrNotFound           = errors.New("account not found")
)

// LockedError возвращается, пока вход заблокирован после серии неудачных попыток.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return "too many failed logins, locked until " + e.Until.UTC().Format(time.RFC3339)
}

// Repository операции хранилища учётных записей, нужные кабинету.
type Repository interface {
	GetAccount(ctx context.Context, telegramID int64) (*models.Account, error)
	GetAccountByPhone(ctx context.Context, phone string) (*models.Account, error)
	RegisterLoginFailure(ctx context.Context, telegramID int64, maxAttempts int, lockFor time.Duration) (int, *time.Time, error)
	ResetLoginFailures(ctx context.Context, telegramID int64) error
}

// Cache снимки учётных записей в Redis.
type Cache interface {
	GetAccount(ctx context.Context, telegramID int64, result any) (bool, error)
	SetAccount(ctx context.Context, telegramID int64, value any) error
}

// Snapshot поля учётной записи, которые кэшируются. Производное состояние
// считается при чтении, поэтому кэш не устаревает с течением времени.
type Snapshot struct {
	TelegramID int64               `json:"telegram_id"`
	IsVerified bool                `json:"is_verified"`
	State      models.AccountState `json:"account_state"`
	Tier       models.Tier         `json:"tier"`
	ExpiryDate *time.Time          `json:"expiry_date,omitempty"`
	BoostUntil *time.Time          `json:"boost_until,omitempty"`
	IsActive   bool                `json:"is_active"`
	TrialUsed  bool                `json:"trial_used"`
}

// SubscriptionView ответ кабинета о подписке.
type SubscriptionView struct {
	TelegramID   int64               `json:"telegram_id"`
	State        subscription.State  `json:"state"`
	Tier         models.Tier         `json:"tier"`
	TierName     string              `json:"tier_name"`
	ExpiryDate   *time.Time          `json:"expiry_date,omitempty"`
	BoostUntil   *time.Time          `json:"boost_until,omitempty"`
	Boosted      bool                `json:"boosted"`
	Listed       bool                `json:"listed"`
	TrialUsed    bool                `json:"trial_used"`
	Verified     bool                `json:"verified"`
	AccountState models.AccountState `json:"account_state"`
}

// Service кабинет провайдера.
type Service struct {
	repo        Repository
	cache       Cache
	jwtMaker    jwt.Maker
	log         *slog.Logger
	maxAttempts int
	lockFor     time.Duration
	now         func() time.Time
}

// New создаёт сервис кабинета. cache может быть nil.
func New(log *slog.Logger, repo Repository, cache Cache, jwtMaker jwt.Maker, cfg config.Portal) *Service {
	maxAttempts := cfg.LoginMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Service{
		repo:        repo,
		cache:       cache,
		jwtMaker:    jwtMaker,
		log:         log,
		maxAttempts: maxAttempts,
		lockFor:     cfg.LoginLockTime,
		now:         time.Now,
	}
}

// Login проверяет телефон и пароль и выдаёт JWT провайдера.
func (s *Service) Login(ctx context.Context, phone, rawPassword string) (string, error) {
	const op = "portal.Login"
	log := s.log.With(slog.String("op", op))

	normalized := NormalizePhone(phone)
	if normalized == "" {
		password.CompareDummy(rawPassword)
		return "", ErrInvalidCredentials
	}

	acc, err := s.repo.GetAccountByPhone(ctx, normalized)
	if errors.Is(err, storage.ErrAccountNotFound) {
		password.CompareDummy(rawPassword)
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	log = log.With(slog.Int64("telegram_id", acc.TelegramID))

	now := s.now()
	if acc.IsLocked(now) {
		log.Warn("login attempt while locked")
		return "", &LockedError{Until: *acc.LockedUntil}
	}

	if err := password.CompareHash(acc.PasswordHash, rawPassword); err != nil {
		if !errors.Is(err, password.ErrMismatch) {
			log.Error("stored password hash is unusable", sl.Err(err))
		}
		attempts, lockedUntil, regErr := s.repo.RegisterLoginFailure(ctx, acc.TelegramID, s.maxAttempts, s.lockFor)
		if regErr != nil {
			return "", fmt.Errorf("%s: %w", op, regErr)
		}
		log.Warn("login failed", slog.Int("attempts", attempts))
		if lockedUntil != nil && lockedUntil.After(now) {
			return "", &LockedError{Until: *lockedUntil}
		}
		return "", ErrInvalidCredentials
	}

	if acc.LoginFailedAttempts > 0 || acc.LockedUntil != nil {
		if err := s.repo.ResetLoginFailures(ctx, acc.TelegramID); err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
	}
	if acc.State == models.AccountSuspended {
		log.Warn("suspended account login")
		return "", ErrAccountSuspended
	}

	token, err := s.jwtMaker.GenerateToken(acc.TelegramID, jwt.RoleProvider)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	log.Info("login success")
	return token, nil
}

// Subscription возвращает состояние подписки провайдера. Снимок берётся из Redis,
// при промахе читается из PostgreSQL и кладётся в кэш.
func (s *Service) Subscription(ctx context.Context, telegramID int64) (SubscriptionView, error) {
	const op = "portal.Subscription"
	log := s.log.With(slog.String("op", op), slog.Int64("telegram_id", telegramID))

	var snap Snapshot
	found := false
	if s.cache != nil {
		var err error
		found, err = s.cache.GetAccount(ctx, telegramID, &snap)
		if err != nil {
			log.Warn("cache read failed", sl.Err(err))
			found = false
		}
	}
	if !found {
		acc, err := s.repo.GetAccount(ctx, telegramID)
		if errors.Is(err, storage.ErrAccountNotFound) {
			return SubscriptionView{}, ErrNotFound
		}
		if err != nil {
			return SubscriptionView{}, fmt.Errorf("%s: %w", op, err)
		}
		snap = SnapshotOf(*acc)
		if s.cache != nil {
			if err := s.cache.SetAccount(ctx, telegramID, snap); err != nil {
				log.Warn("cache write failed", sl.Err(err))
			}
		}
	}
	return snap.View(s.now()), nil
}

// SnapshotOf копирует кэшируемые поля учётной записи.
func SnapshotOf(acc models.Account) Snapshot {
	return Snapshot{
		TelegramID: acc.TelegramID,
		IsVerified: acc.IsVerified,
		State:      acc.State,
		Tier:       acc.Tier,
		ExpiryDate: acc.ExpiryDate,
		BoostUntil: acc.BoostUntil,
		IsActive:   acc.IsActive,
		TrialUsed:  acc.TrialUsed,
	}
}

// View выводит состояние подписки на момент now.
func (s Snapshot) View(now time.Time) SubscriptionView {
	acc := models.Account{
		TelegramID: s.TelegramID,
		IsVerified: s.IsVerified,
		State:      s.State,
		Tier:       s.Tier,
		ExpiryDate: s.ExpiryDate,
		BoostUntil: s.BoostUntil,
		IsActive:   s.IsActive,
		TrialUsed:  s.TrialUsed,
	}
	return SubscriptionView{
		TelegramID:   s.TelegramID,
		State:        subscription.StateOf(acc, now),
		Tier:         s.Tier,
		TierName:     s.Tier.DisplayName(),
		ExpiryDate:   s.ExpiryDate,
		BoostUntil:   s.BoostUntil,
		Boosted:      subscription.IsBoosted(acc, now),
		Listed:       s.IsVerified && subscription.IsActive(acc, now) && s.ExpiryDate != nil,
		TrialUsed:    s.TrialUsed,
		Verified:     s.IsVerified,
		AccountState: s.State,
	}
}

// NormalizePhone приводит кенийский номер к виду 254XXXXXXXXX. Пустая строка
// означает, что номер не распознан.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "0") && len(digits) == 10 {
		digits = "254" + digits[1:]
	}
	if !strings.HasPrefix(digits, "254") || len(digits) < 12 {
		return ""
	}
	return digits[:12]
}
