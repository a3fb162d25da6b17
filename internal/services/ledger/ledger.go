// Package ledger ведёт журнал попыток оплаты: одна запись на колбэк,
// не больше одной SUCCESS на ссылку.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
	"github.com/magabrotheeeer/blackbook-billing/internal/models"
	"github.com/magabrotheeeer/blackbook-billing/internal/storage"
)

// Store описывает операции журнала в хранилище.
type Store interface {
	FindSuccessful(ctx context.Context, reference string) (models.PaymentAttempt, bool, error)
	InsertAttempt(ctx context.Context, p models.PaymentAttempt) (models.PaymentAttempt, error)
	FinalizeAttempt(ctx context.Context, id uuid.UUID, status models.PaymentStatus, reason string) error
	DeleteAttempt(ctx context.Context, id uuid.UUID) error
	ListAttempts(ctx context.Context, f models.PaymentFilter) ([]models.PaymentAttempt, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.PaymentAttempt, error)
}

// Recorder является единственной точкой записи в журнал.
type Recorder struct {
	store Store
	log   *slog.Logger
}

// New создаёт Recorder.
func New(store Store, log *slog.Logger) *Recorder {
	return &Recorder{
		store: store,
		log:   log,
	}
}

// FindSuccessful возвращает запись SUCCESS для ссылки, если она есть.
// PENDING не считается успехом, поэтому повторная доставка такой ссылки обрабатывается заново.
func (r *Recorder) FindSuccessful(ctx context.Context, reference string) (models.PaymentAttempt, bool, error) {
	const op = "ledger.FindSuccessful"

	p, ok, err := r.store.FindSuccessful(ctx, reference)
	if err != nil {
		return models.PaymentAttempt{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return p, ok, nil
}

// Open создаёт запись PENDING до начала транзакции.
func (r *Recorder) Open(ctx context.Context, p models.PaymentAttempt) (models.PaymentAttempt, error) {
	const op = "ledger.Open"

	p.Status = models.PaymentPending
	p.Reason = ""
	opened, err := r.store.InsertAttempt(ctx, p)
	if err != nil {
		return models.PaymentAttempt{}, fmt.Errorf("%s: %w", op, err)
	}
	return opened, nil
}

// Record сразу пишет терминальную запись, когда открывать PENDING незачем
// (невалидная ссылка, ошибка у провайдера).
func (r *Recorder) Record(ctx context.Context, p models.PaymentAttempt) (models.PaymentAttempt, error) {
	const op = "ledger.Record"

	if !p.Status.IsTerminal() {
		return models.PaymentAttempt{}, fmt.Errorf("%s: status %s is not terminal", op, p.Status)
	}
	if p.Status == models.PaymentSuccess {
		return models.PaymentAttempt{}, fmt.Errorf("%s: success is only written with the account change", op)
	}
	saved, err := r.store.InsertAttempt(ctx, p)
	if err != nil {
		return models.PaymentAttempt{}, fmt.Errorf("%s: %w", op, err)
	}
	return saved, nil
}

// Finalize переводит запись PENDING в терминальный статус вне транзакции учётной записи.
// Если запись уже терминальная, это ошибка логики выше по стеку: пишем конфликт в лог
// и ничего не меняем.
func (r *Recorder) Finalize(ctx context.Context, p models.PaymentAttempt, status models.PaymentStatus, reason string) error {
	const op = "ledger.Finalize"

	err := r.store.FinalizeAttempt(ctx, p.ID, status, reason)
	if errors.Is(err, storage.ErrAttemptNotPending) {
		r.log.Warn("ledger finalize conflict, row left as is",
			slog.String("op", op),
			sl.Reference(p.Reference),
			slog.String("attempt_id", p.ID.String()),
			slog.String("wanted_status", string(status)),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// FinalizeSuccess пишет SUCCESS в той же транзакции, что и изменение учётной записи.
// Здесь конфликт не глотается: транзакция должна откатиться.
func (r *Recorder) FinalizeSuccess(ctx context.Context, tx storage.AccountTx, p models.PaymentAttempt) error {
	const op = "ledger.FinalizeSuccess"

	if err := tx.FinalizeAttempt(ctx, p.ID, models.PaymentSuccess, ""); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Discard удаляет свою запись PENDING у проигравшего гонку дубликата.
func (r *Recorder) Discard(ctx context.Context, p models.PaymentAttempt) {
	const op = "ledger.Discard"

	if err := r.store.DeleteAttempt(ctx, p.ID); err != nil {
		r.log.Warn("failed to discard pending attempt",
			slog.String("op", op),
			sl.Reference(p.Reference),
			sl.Err(err),
		)
	}
}

// List возвращает записи журнала по фильтру.
func (r *Recorder) List(ctx context.Context, f models.PaymentFilter) ([]models.PaymentAttempt, error) {
	const op = "ledger.List"

	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	res, err := r.store.ListAttempts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// Stale возвращает записи, висящие в PENDING дольше olderThan, для сверки.
func (r *Recorder) Stale(ctx context.Context, olderThan time.Duration, limit int) ([]models.PaymentAttempt, error) {
	const op = "ledger.Stale"

	if limit <= 0 {
		limit = 100
	}
	res, err := r.store.ListPendingBefore(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}
