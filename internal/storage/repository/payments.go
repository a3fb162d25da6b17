package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/blackbook-billing/internal/models"
	"github.com/magabrotheeeer/blackbook-billing/internal/storage"
)

const attemptColumns = `id, reference, status, amount, package_days, account_identity, reason, created_at, updated_at`

func scanAttempt(row rowScanner) (models.PaymentAttempt, error) {
	var p models.PaymentAttempt
	err := row.Scan(&p.ID, &p.Reference, &p.Status, &p.Amount, &p.PackageDays,
		&p.AccountIdentity, &p.Reason, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// FindSuccessful ищет запись SUCCESS для ссылки. PENDING и отклонённые записи не учитываются.
func (s *Storage) FindSuccessful(ctx context.Context, reference string) (models.PaymentAttempt, bool, error) {
	const op = "storage.FindSuccessful"

	row := s.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE reference = $1 AND status = 'SUCCESS'`, reference)
	p, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PaymentAttempt{}, false, nil
		}
		return models.PaymentAttempt{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return p, true, nil
}

// InsertAttempt добавляет запись в журнал и возвращает её с id и временем создания.
func (s *Storage) InsertAttempt(ctx context.Context, p models.PaymentAttempt) (models.PaymentAttempt, error) {
	const op = "storage.InsertAttempt"

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = models.PaymentPending
	}
	query := `INSERT INTO payment_attempts (id, reference, status, amount, package_days, account_identity, reason)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  RETURNING created_at, updated_at`
	err := s.DB.QueryRowContext(ctx, query,
		p.ID, p.Reference, string(p.Status), p.Amount, p.PackageDays, p.AccountIdentity, p.Reason).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.PaymentAttempt{}, fmt.Errorf("%s: %w", op, storage.ErrDuplicateSuccess)
		}
		return models.PaymentAttempt{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

// FinalizeAttempt переводит запись PENDING в терминальный статус.
func (s *Storage) FinalizeAttempt(ctx context.Context, id uuid.UUID, status models.PaymentStatus, reason string) error {
	const op = "storage.FinalizeAttempt"

	if err := finalizeAttempt(ctx, s.DB, id, status, reason); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func finalizeAttempt(ctx context.Context, db execer, id uuid.UUID, status models.PaymentStatus, reason string) error {
	res, err := db.ExecContext(ctx, `UPDATE payment_attempts
		SET status = $2, reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`, id, string(status), reason)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateSuccess
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrAttemptNotPending
	}
	return nil
}

// DeleteAttempt удаляет незавершённую запись. Терминальные записи не удаляются.
func (s *Storage) DeleteAttempt(ctx context.Context, id uuid.UUID) error {
	const op = "storage.DeleteAttempt"

	res, err := s.DB.ExecContext(ctx, `DELETE FROM payment_attempts WHERE id = $1 AND status = 'PENDING'`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrAttemptNotPending)
	}
	return nil
}

// ListAttempts возвращает записи журнала, новые первыми.
func (s *Storage) ListAttempts(ctx context.Context, f models.PaymentFilter) ([]models.PaymentAttempt, error) {
	const op = "storage.ListAttempts"

	var (
		where []string
		args  []any
	)
	if f.AccountIdentity != nil {
		args = append(args, *f.AccountIdentity)
		where = append(where, fmt.Sprintf("account_identity = $%d", len(args)))
	}
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return s.queryAttempts(ctx, op, query, args...)
}

// ListPendingBefore возвращает записи, оставшиеся PENDING дольше заданного момента.
func (s *Storage) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.PaymentAttempt, error) {
	const op = "storage.ListPendingBefore"

	query := `SELECT ` + attemptColumns + `
			  FROM payment_attempts
			  WHERE status = 'PENDING' AND created_at < $1
			  ORDER BY created_at
			  LIMIT $2`
	return s.queryAttempts(ctx, op, query, before, limit)
}

func (s *Storage) queryAttempts(ctx context.Context, op, query string, args ...any) ([]models.PaymentAttempt, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	result := []models.PaymentAttempt{}
	for rows.Next() {
		p, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}
