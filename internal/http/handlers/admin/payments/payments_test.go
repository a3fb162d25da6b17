package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/blackbook-billing/internal/models"
)

type LedgerMock struct {
	mock.Mock
}

func (m *LedgerMock) List(ctx context.Context, f models.PaymentFilter) ([]models.PaymentAttempt, error) {
	args := m.Called(ctx, f)
	res, _ := args.Get(0).([]models.PaymentAttempt)
	return res, args.Error(1)
}

func (m *LedgerMock) Stale(ctx context.Context, olderThan time.Duration, limit int) ([]models.PaymentAttempt, error) {
	args := m.Called(ctx, olderThan, limit)
	res, _ := args.Get(0).([]models.PaymentAttempt)
	return res, args.Error(1)
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type listBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		ListCount int                     `json:"list_count"`
		OlderThan string                  `json:"older_than"`
		Payments  []models.PaymentAttempt `json:"payments"`
	} `json:"data"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) listBody {
	var b listBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b))
	return b
}

func TestList(t *testing.T) {
	attempt := models.PaymentAttempt{ID: uuid.New(), Reference: "BB_555_3_abc", Status: models.PaymentSuccess, Amount: 300, PackageDays: 3, AccountIdentity: 555}

	t.Run("filters are passed through", func(t *testing.T) {
		led := new(LedgerMock)
		account := int64(555)
		status := models.PaymentSuccess
		led.On("List", mock.Anything, models.PaymentFilter{AccountIdentity: &account, Status: &status, Limit: 10, Offset: 20}).
			Return([]models.PaymentAttempt{attempt}, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/payments?account=555&status=SUCCESS&limit=10&offset=20", nil)
		rr := httptest.NewRecorder()
		New(newNoopLogger(), led).List(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		b := decode(t, rr)
		assert.Equal(t, 1, b.Data.ListCount)
		assert.Equal(t, "BB_555_3_abc", b.Data.Payments[0].Reference)
		led.AssertExpectations(t)
	})

	t.Run("empty result is an empty list", func(t *testing.T) {
		led := new(LedgerMock)
		led.On("List", mock.Anything, models.PaymentFilter{}).Return(nil, nil)

		rr := httptest.NewRecorder()
		New(newNoopLogger(), led).List(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/payments", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"payments":[]`)
	})

	bad := []struct {
		name  string
		query string
	}{
		{name: "account not a number", query: "account=abc"},
		{name: "negative account", query: "account=-1"},
		{name: "unknown status", query: "status=DONE"},
		{name: "negative limit", query: "limit=-5"},
		{name: "offset not a number", query: "offset=x"},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			led := new(LedgerMock)
			rr := httptest.NewRecorder()
			New(newNoopLogger(), led).List(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/payments?"+tt.query, nil))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			led.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
		})
	}

	t.Run("ledger failure", func(t *testing.T) {
		led := new(LedgerMock)
		led.On("List", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
		rr := httptest.NewRecorder()
		New(newNoopLogger(), led).List(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/payments", nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestPending(t *testing.T) {
	t.Run("default age", func(t *testing.T) {
		led := new(LedgerMock)
		led.On("Stale", mock.Anything, 15*time.Minute, 0).
			Return([]models.PaymentAttempt{{Reference: "BB_1_7_x", Status: models.PaymentPending}}, nil).Once()

		rr := httptest.NewRecorder()
		New(newNoopLogger(), led).Pending(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/payments/pending", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		b := decode(t, rr)
		assert.Equal(t, 1, b.Data.ListCount)
		assert.Equal(t, "15m0s", b.Data.OlderThan)
		led.AssertExpectations(t)
	})

	t.Run("custom age and limit", func(t *testing.T) {
		led := new(LedgerMock)
		led.On("Stale", mock.Anything, 2*time.Hour, 50).Return([]models.PaymentAttempt{}, nil).Once()

		rr := httptest.NewRecorder()
		New(newNoopLogger(), led).Pending(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/payments/pending?older_than=2h&limit=50", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		led.AssertExpectations(t)
	})

	t.Run("invalid age", func(t *testing.T) {
		led := new(LedgerMock)
		rr := httptest.NewRecorder()
		New(newNoopLogger(), led).Pending(rr, httptest.NewRequest(http.MethodGet, "/api/v1/admin/payments/pending?older_than=soon", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}
