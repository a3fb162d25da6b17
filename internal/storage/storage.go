// Package storage описывает контракт хранилища биллинга и его ошибки.
// Реализация на PostgreSQL находится в пакете repository.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/blackbook-billing/internal/models"
)

var (
	// ErrAccountNotFound учётной записи с таким telegram_id нет.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateSuccess для ссылки уже есть запись SUCCESS (нарушен частичный уникальный индекс).
	ErrDuplicateSuccess = errors.New("reference already succeeded")
	// ErrAttemptNotPending запись журнала уже в терминальном статусе или удалена.
	ErrAttemptNotPending = errors.New("payment attempt is not pending")
)

// AccountTx операции внутри транзакции, захватившей строку учётной записи.
// Изменения видны другим только после успешного завершения транзакции.
type AccountTx interface {
	// Account возвращает снимок заблокированной строки.
	Account() models.Account
	HasSuccess(ctx context.Context, reference string) (bool, error)
	SaveSubscription(ctx context.Context, acc models.Account) error
	FinalizeAttempt(ctx context.Context, id uuid.UUID, status models.PaymentStatus, reason string) error
}

// TxRunner выполняет fn в транзакции, заблокировав строку учётной записи.
// Если fn вернула ошибку, транзакция откатывается. Если учётной записи нет,
// возвращается ErrAccountNotFound и fn не вызывается.
type TxRunner interface {
	WithinAccountTx(ctx context.Context, telegramID int64, fn func(tx AccountTx) error) error
}
