package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus статус записи в журнале платежей.
type PaymentStatus string

const (
	PaymentPending            PaymentStatus = "PENDING"
	PaymentSuccess            PaymentStatus = "SUCCESS"
	PaymentRejectedUnverified PaymentStatus = "REJECTED_UNVERIFIED"
	PaymentRejectedInvalid    PaymentStatus = "REJECTED_INVALID"
	PaymentFailed             PaymentStatus = "FAILED"
)

// IsTerminal сообщает, что запись больше не меняется.
func (s PaymentStatus) IsTerminal() bool {
	return s != PaymentPending
}

// PaymentAttempt одна попытка оплаты, созданная по входящему колбэку.
type PaymentAttempt struct {
	ID              uuid.UUID     `json:"id"`
	Reference       string        `json:"reference"`
	Status          PaymentStatus `json:"status"`
	Amount          int           `json:"amount"`
	PackageDays     int           `json:"package_days"`
	AccountIdentity int64         `json:"account_identity"`
	Reason          string        `json:"reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// PaymentFilter параметры выборки журнала для админки.
type PaymentFilter struct {
	AccountIdentity *int64
	Status          *PaymentStatus
	Limit           int
	Offset          int
}
