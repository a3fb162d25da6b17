// Package models содержит доменные структуры биллинга: учётную запись провайдера
// и запись журнала платежей.
package models

import "time"

// AccountState состояние модерации учётной записи.
type AccountState string

const (
	AccountPendingReview AccountState = "pending_review"
	AccountApproved      AccountState = "approved"
	AccountRejected      AccountState = "rejected"
	AccountSuspended     AccountState = "suspended"
)

// Tier уровень подписки.
type Tier string

const (
	TierNone  Tier = "none"
	TierTrial Tier = "trial"
	Tier3     Tier = "tier_3"
	Tier7     Tier = "tier_7"
	Tier30    Tier = "tier_30"
	Tier90    Tier = "tier_90"
)

// TierForDays возвращает платный уровень для длины пакета.
func TierForDays(days int) (Tier, bool) {
	switch days {
	case 3:
		return Tier3, true
	case 7:
		return Tier7, true
	case 30:
		return Tier30, true
	case 90:
		return Tier90, true
	}
	return TierNone, false
}

// DisplayName возвращает название уровня для уведомлений.
func (t Tier) DisplayName() string {
	switch t {
	case TierTrial:
		return "Free Trial"
	case Tier3:
		return "Bronze"
	case Tier7:
		return "Silver"
	case Tier30:
		return "Gold"
	case Tier90:
		return "Platinum"
	}
	return "None"
}

// Account представляет зарегистрированного провайдера.
//
// Поля IsVerified и State пишет только подсистема модерации,
// поля подписки и триала меняет только машина состояний подписки.
type Account struct {
	TelegramID   int64
	Phone        string
	PasswordHash string

	IsVerified bool
	State      AccountState

	Tier       Tier
	ExpiryDate *time.Time
	BoostUntil *time.Time
	IsActive   bool
	TrialUsed  bool
	TrialStart *time.Time
	Reminders  TrialReminders
	CreatedAt  time.Time
	UpdatedAt  time.Time

	LoginFailedAttempts int
	LockedUntil         *time.Time
}

// TrialReminders флаги отправленных напоминаний о триале, по одному на веху.
type TrialReminders struct {
	Day2Sent      bool
	Day5Sent      bool
	LastDaySent   bool
	ExpiredNotice bool
	WinbackSent   bool
}

// IsLocked сообщает, заблокирован ли вход в кабинет на момент now.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && a.LockedUntil.After(now)
}

// TrialMilestone веха напоминания о триале.
type TrialMilestone string

const (
	MilestoneDay2    TrialMilestone = "day2"
	MilestoneDay5    TrialMilestone = "day5"
	MilestoneLastDay TrialMilestone = "lastday"
	MilestoneExpired TrialMilestone = "expired"
	MilestoneWinback TrialMilestone = "winback"
)

// Sent сообщает, ушло ли уже напоминание для вехи.
func (r TrialReminders) Sent(m TrialMilestone) bool {
	switch m {
	case MilestoneDay2:
		return r.Day2Sent
	case MilestoneDay5:
		return r.Day5Sent
	case MilestoneLastDay:
		return r.LastDaySent
	case MilestoneExpired:
		return r.ExpiredNotice
	case MilestoneWinback:
		return r.WinbackSent
	}
	return true
}
