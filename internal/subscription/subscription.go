// Package subscription реализует машину состояний подписки провайдера.
//
// Состояние не хранится: оно каждый раз выводится из уровня, даты окончания
// и флага использованного триала относительно текущего времени.
package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/blackbook-billing/internal/models"
)

// State производное состояние подписки.
type State string

const (
	NoSubscription State = "no_subscription"
	TrialActive    State = "trial_active"
	TrialExpired   State = "trial_expired"
	PaidActive     State = "paid_active"
	PaidExpired    State = "paid_expired"
)

var (
	ErrTrialUsed      = errors.New("trial already used")
	ErrUnknownPackage = errors.New("unknown package")
)

// Derive вычисляет состояние подписки на момент now.
func Derive(tier models.Tier, expiry *time.Time, trialUsed bool, now time.Time) State {
	live := expiry != nil && expiry.After(now)
	switch tier {
	case models.TierTrial:
		if live {
			return TrialActive
		}
		return TrialExpired
	case models.Tier3, models.Tier7, models.Tier30, models.Tier90:
		if live {
			return PaidActive
		}
		return PaidExpired
	}
	if trialUsed {
		return TrialExpired
	}
	return NoSubscription
}

// StateOf вызывает Derive для полей учётной записи.
func StateOf(acc models.Account, now time.Time) State {
	return Derive(acc.Tier, acc.ExpiryDate, acc.TrialUsed, now)
}

// IsActive вычисляет значение кэшируемого поля is_active: дата окончания пуста или в будущем
// и учётная запись одобрена.
func IsActive(acc models.Account, now time.Time) bool {
	if acc.State != models.AccountApproved {
		return false
	}
	return acc.ExpiryDate == nil || acc.ExpiryDate.After(now)
}

// IsBoosted сообщает, действует ли буст на момент now.
func IsBoosted(acc models.Account, now time.Time) bool {
	return acc.BoostUntil != nil && acc.BoostUntil.After(now)
}

// Policy неизменяемые параметры переходов.
type Policy struct {
	TrialWindow   time.Duration
	BoostDuration time.Duration
}

// Purchase принятая покупка, которую нужно применить к учётной записи.
type Purchase struct {
	Boost bool
	Days  int
}

// Apply применяет покупку и возвращает изменённую копию учётной записи.
// Поля модерации не трогаются.
func (p Policy) Apply(acc models.Account, purchase Purchase, now time.Time) (models.Account, error) {
	const op = "subscription.Apply"

	switch {
	case purchase.Boost:
		until := stack(acc.BoostUntil, now, p.BoostDuration)
		acc.BoostUntil = &until

	case purchase.Days == 0:
		if acc.TrialUsed {
			return acc, fmt.Errorf("%s: %w", op, ErrTrialUsed)
		}
		started := now
		expiry := now.Add(p.TrialWindow)
		acc.Tier = models.TierTrial
		acc.TrialUsed = true
		acc.TrialStart = &started
		acc.ExpiryDate = &expiry
		acc.Reminders = models.TrialReminders{}

	default:
		tier, ok := models.TierForDays(purchase.Days)
		if !ok {
			return acc, fmt.Errorf("%s: %d days: %w", op, purchase.Days, ErrUnknownPackage)
		}
		expiry := stack(acc.ExpiryDate, now, time.Duration(purchase.Days)*24*time.Hour)
		acc.Tier = tier
		acc.ExpiryDate = &expiry
		acc.Reminders.ExpiredNotice = false
		acc.Reminders.WinbackSent = false
	}

	// До одобрения модерацией срок копится, а доступ не открывается.
	acc.IsActive = IsActive(acc, now)
	return acc, nil
}

// stack продлевает от max(now, current), чтобы остаток не сгорал.
func stack(current *time.Time, now time.Time, d time.Duration) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(d)
}
