package models

import "time"

// Типы событий, которые публикуются в брокер для рассылки уведомлений.
const (
	EventSubscriptionActivated = "subscription.activated"
	EventBoostActivated        = "boost.activated"
	EventTrialReminder         = "trial.reminder"
	EventTrialExpired          = "trial.expired"
	EventSubscriptionExpired   = "subscription.expired"
	EventTrialWinback          = "trial.winback"
	// EventAdminAlert уходит в чат оператора, а не провайдеру.
	EventAdminAlert = "admin.alert"
)

// Notification сообщение для notification-sender.
type Notification struct {
	Event      string     `json:"event"`
	TelegramID int64      `json:"telegram_id"`
	Tier       Tier       `json:"tier,omitempty"`
	Amount     int        `json:"amount,omitempty"`
	Days       int        `json:"days,omitempty"`
	Hours      int        `json:"hours,omitempty"`
	Reference  string     `json:"reference,omitempty"`
	Milestone  string     `json:"milestone,omitempty"`
	Until      *time.Time `json:"until,omitempty"`
	Message    string     `json:"message,omitempty"`
}
