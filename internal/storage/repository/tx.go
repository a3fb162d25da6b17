package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/blackbook-billing/internal/models"
	"github.com/magabrotheeeer/blackbook-billing/internal/storage"
)

// WithinAccountTx открывает транзакцию, блокирует строку учётной записи (SELECT ... FOR UPDATE)
// и выполняет fn. Два колбэка для одной учётной записи выполняются последовательно.
func (s *Storage) WithinAccountTx(ctx context.Context, telegramID int64, fn func(tx storage.AccountTx) error) error {
	const op = "storage.WithinAccountTx"

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE telegram_id = $1 FOR UPDATE`, telegramID)
	acc, err := scanAccount(row)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := fn(&accountTx{tx: tx, acc: acc}); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

type accountTx struct {
	tx  *sql.Tx
	acc models.Account
}

func (t *accountTx) Account() models.Account {
	return t.acc
}

func (t *accountTx) HasSuccess(ctx context.Context, reference string) (bool, error) {
	const op = "storage.tx.HasSuccess"

	var exists bool
	err := t.tx.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM payment_attempts WHERE reference = $1 AND status = 'SUCCESS'
	)`, reference).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return exists, nil
}

// SaveSubscription пишет только поля подписки и триала. Поля модерации не меняются.
func (t *accountTx) SaveSubscription(ctx context.Context, acc models.Account) error {
	const op = "storage.tx.SaveSubscription"

	query := `UPDATE accounts
			  SET subscription_tier = $2,
			      expiry_date = $3,
			      boost_until = $4,
			      is_active = $5,
			      trial_used = $6,
			      trial_started_at = $7,
			      trial_reminder_day2_sent = $8,
			      trial_reminder_day5_sent = $9,
			      trial_reminder_lastday_sent = $10,
			      trial_expired_notified = $11,
			      trial_winback_sent = $12,
			      updated_at = NOW()
			  WHERE telegram_id = $1`
	_, err := t.tx.ExecContext(ctx, query,
		acc.TelegramID, string(acc.Tier), acc.ExpiryDate, acc.BoostUntil, acc.IsActive,
		acc.TrialUsed, acc.TrialStart,
		acc.Reminders.Day2Sent, acc.Reminders.Day5Sent, acc.Reminders.LastDaySent, acc.Reminders.ExpiredNotice,
		acc.Reminders.WinbackSent)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	t.acc = acc
	return nil
}

func (t *accountTx) FinalizeAttempt(ctx context.Context, id uuid.UUID, status models.PaymentStatus, reason string) error {
	const op = "storage.tx.FinalizeAttempt"

	if err := finalizeAttempt(ctx, t.tx, id, status, reason); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
