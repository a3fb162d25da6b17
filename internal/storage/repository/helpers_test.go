package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/blackbook-billing/internal/migrations"
	"github.com/magabrotheeeer/blackbook-billing/internal/models"
)

// setupTestDatabase поднимает PostgreSQL в контейнере и накатывает миграции.
func setupTestDatabase(t *testing.T) (*Storage, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err, "failed to start container")

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storage, err := New(dsn)
	require.NoError(t, err, "failed to create storage")

	migrationsPath, err := filepath.Abs("../../../migrations")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, migrationsPath))

	cleanup := func() {
		_ = storage.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}
	return storage, cleanup
}

// TestDataFactory создаёт тестовые данные.
type TestDataFactory struct {
	storage *Storage
}

func NewTestDataFactory(storage *Storage) *TestDataFactory {
	return &TestDataFactory{storage: storage}
}

func (f *TestDataFactory) CreateAccount(t *testing.T, telegramID int64, verified bool, state models.AccountState) {
	t.Helper()
	err := f.storage.CreateAccount(context.Background(), models.Account{
		TelegramID:   telegramID,
		Phone:        fmt.Sprintf("+254700%06d", telegramID),
		PasswordHash: "hash",
		IsVerified:   verified,
		State:        state,
	})
	require.NoError(t, err)
}

func (f *TestDataFactory) CreateAttempt(t *testing.T, reference string, status models.PaymentStatus, accountID int64) models.PaymentAttempt {
	t.Helper()
	p, err := f.storage.InsertAttempt(context.Background(), models.PaymentAttempt{
		Reference:       reference,
		Status:          status,
		Amount:          300,
		PackageDays:     3,
		AccountIdentity: accountID,
	})
	require.NoError(t, err)
	return p
}

func (f *TestDataFactory) AttemptStatus(t *testing.T, reference string) []models.PaymentStatus {
	t.Helper()
	rows, err := f.storage.DB.Query(`SELECT status FROM payment_attempts WHERE reference = $1 ORDER BY created_at`, reference)
	require.NoError(t, err)
	defer rows.Close()

	var result []models.PaymentStatus
	for rows.Next() {
		var s models.PaymentStatus
		require.NoError(t, rows.Scan(&s))
		result = append(result, s)
	}
	require.NoError(t, rows.Err())
	return result
}
