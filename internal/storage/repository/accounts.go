package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/blackbook-billing/internal/models"
	"github.com/magabrotheeeer/blackbook-billing/internal/storage"
)

const accountColumns = `telegram_id, phone, password_hash, is_verified, account_state,
	subscription_tier, expiry_date, boost_until, is_active, trial_used, trial_started_at,
	trial_reminder_day2_sent, trial_reminder_day5_sent, trial_reminder_lastday_sent,
	trial_expired_notified, trial_winback_sent, login_failed_attempts, locked_until, created_at, updated_at`

func scanAccount(row rowScanner) (models.Account, error) {
	var (
		a                                   models.Account
		expiry, boost, trialStart, lockedTo sql.NullTime
	)
	err := row.Scan(&a.TelegramID, &a.Phone, &a.PasswordHash, &a.IsVerified, &a.State,
		&a.Tier, &expiry, &boost, &a.IsActive, &a.TrialUsed, &trialStart,
		&a.Reminders.Day2Sent, &a.Reminders.Day5Sent, &a.Reminders.LastDaySent,
		&a.Reminders.ExpiredNotice, &a.Reminders.WinbackSent, &a.LoginFailedAttempts, &lockedTo, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.Account{}, err
	}
	a.ExpiryDate = timePtr(expiry)
	a.BoostUntil = timePtr(boost)
	a.TrialStart = timePtr(trialStart)
	a.LockedUntil = timePtr(lockedTo)
	return a, nil
}

// CreateAccount сохраняет учётную запись провайдера. Используется подсистемой
// регистрации и тестами.
func (s *Storage) CreateAccount(ctx context.Context, acc models.Account) error {
	const op = "storage.CreateAccount"

	state := acc.State
	if state == "" {
		state = models.AccountPendingReview
	}
	tier := acc.Tier
	if tier == "" {
		tier = models.TierNone
	}
	query := `INSERT INTO accounts (telegram_id, phone, password_hash, is_verified, account_state,
			      subscription_tier, expiry_date, boost_until, is_active, trial_used, trial_started_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := s.DB.ExecContext(ctx, query,
		acc.TelegramID, acc.Phone, acc.PasswordHash, acc.IsVerified, string(state),
		string(tier), acc.ExpiryDate, acc.BoostUntil, acc.IsActive, acc.TrialUsed, acc.TrialStart); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetAccount возвращает учётную запись по telegram_id.
func (s *Storage) GetAccount(ctx context.Context, telegramID int64) (*models.Account, error) {
	const op = "storage.GetAccount"

	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE telegram_id = $1`, telegramID)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &acc, nil
}

// GetAccountByPhone возвращает учётную запись по номеру телефона для входа в кабинет.
func (s *Storage) GetAccountByPhone(ctx context.Context, phone string) (*models.Account, error) {
	const op = "storage.GetAccountByPhone"

	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE phone = $1`, phone)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &acc, nil
}

// SetModeration записывает решение модерации и пересчитывает is_active:
// срок, оплаченный до одобрения, начинает действовать с этого момента.
func (s *Storage) SetModeration(ctx context.Context, telegramID int64, verified bool, state models.AccountState) error {
	const op = "storage.SetModeration"

	res, err := s.DB.ExecContext(ctx, `UPDATE accounts
		SET is_verified = $2, account_state = $3,
		    is_active = ($3 = 'approved' AND (expiry_date IS NULL OR expiry_date > NOW())),
		    updated_at = NOW()
		WHERE telegram_id = $1`, telegramID, verified, string(state))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	return nil
}

// RegisterLoginFailure увеличивает счётчик неудачных входов и ставит блокировку,
// когда счётчик достигает maxAttempts. Возвращает новое значение счётчика и блокировки.
func (s *Storage) RegisterLoginFailure(ctx context.Context, telegramID int64, maxAttempts int, lockFor time.Duration) (int, *time.Time, error) {
	const op = "storage.RegisterLoginFailure"

	query := `UPDATE accounts
			  SET login_failed_attempts = login_failed_attempts + 1,
			      locked_until = CASE
			          WHEN login_failed_attempts + 1 >= $2 THEN NOW() + make_interval(secs => $3)
			          ELSE locked_until
			      END,
			      updated_at = NOW()
			  WHERE telegram_id = $1
			  RETURNING login_failed_attempts, locked_until`
	var (
		attempts int
		locked   sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, query, telegramID, maxAttempts, lockFor.Seconds()).Scan(&attempts, &locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}
	return attempts, timePtr(locked), nil
}

// ResetLoginFailures сбрасывает счётчик и блокировку после успешного входа.
func (s *Storage) ResetLoginFailures(ctx context.Context, telegramID int64) error {
	const op = "storage.ResetLoginFailures"

	_, err := s.DB.ExecContext(ctx, `UPDATE accounts
		SET login_failed_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE telegram_id = $1`, telegramID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeactivateExpired снимает is_active с учётных записей, чья подписка закончилась,
// и возвращает их. Каждая запись возвращается один раз: повторный вызов её не найдёт.
func (s *Storage) DeactivateExpired(ctx context.Context, now time.Time) ([]models.Account, error) {
	const op = "storage.DeactivateExpired"

	query := `UPDATE accounts
			  SET is_active = FALSE, updated_at = NOW()
			  WHERE is_active AND expiry_date IS NOT NULL AND expiry_date <= $1
			  RETURNING telegram_id, subscription_tier, expiry_date`
	rows, err := s.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []models.Account
	for rows.Next() {
		var (
			a      models.Account
			expiry sql.NullTime
		)
		if err := rows.Scan(&a.TelegramID, &a.Tier, &expiry); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		a.ExpiryDate = timePtr(expiry)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ListTrialAccounts возвращает учётные записи на триале, которым ещё не ушли все напоминания,
// включая письмо-возврат после окончания.
func (s *Storage) ListTrialAccounts(ctx context.Context) ([]models.Account, error) {
	const op = "storage.ListTrialAccounts"

	query := `SELECT ` + accountColumns + `
			  FROM accounts
			  WHERE subscription_tier = 'trial'
			    AND expiry_date IS NOT NULL
			    AND NOT (trial_reminder_day2_sent AND trial_reminder_day5_sent
			             AND trial_reminder_lastday_sent AND trial_expired_notified
			             AND trial_winback_sent)
			  ORDER BY expiry_date`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

var milestoneColumns = map[models.TrialMilestone]string{
	models.MilestoneDay2:    "trial_reminder_day2_sent",
	models.MilestoneDay5:    "trial_reminder_day5_sent",
	models.MilestoneLastDay: "trial_reminder_lastday_sent",
	models.MilestoneExpired: "trial_expired_notified",
	models.MilestoneWinback: "trial_winback_sent",
}

// ClaimTrialMilestone атомарно ставит флаг вехи. Возвращает false, если флаг уже стоял,
// поэтому напоминание отправляет только тот, кто его захватил.
func (s *Storage) ClaimTrialMilestone(ctx context.Context, telegramID int64, m models.TrialMilestone) (bool, error) {
	const op = "storage.ClaimTrialMilestone"

	column, ok := milestoneColumns[m]
	if !ok {
		return false, fmt.Errorf("%s: unknown milestone %q", op, m)
	}
	query := fmt.Sprintf(`UPDATE accounts SET %[1]s = TRUE, updated_at = NOW()
		WHERE telegram_id = $1 AND NOT %[1]s`, column)
	res, err := s.DB.ExecContext(ctx, query, telegramID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}
