// Package payments реализует просмотр журнала платежей в админке.
package payments

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/blackbook-billing/internal/http/response"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
	"github.com/magabrotheeeer/blackbook-billing/internal/models"
)

const defaultPendingAge = 15 * time.Minute

// Ledger операции чтения журнала.
type Ledger interface {
	List(ctx context.Context, f models.PaymentFilter) ([]models.PaymentAttempt, error)
	Stale(ctx context.Context, olderThan time.Duration, limit int) ([]models.PaymentAttempt, error)
}

// Handler обработчики журнала платежей.
type Handler struct {
	log    *slog.Logger
	ledger Ledger
}

// New создаёт Handler.
func New(log *slog.Logger, ledger Ledger) *Handler {
	return &Handler{log: log, ledger: ledger}
}

// List godoc
// @Summary Журнал платежей
// @Description Записи журнала, новые первыми. Фильтры по учётной записи и статусу.
// @Tags Admin
// @Produce  json
// @Security BearerAuth
// @Param account query int false "Telegram ID провайдера"
// @Param status query string false "PENDING, SUCCESS, REJECTED_UNVERIFIED, REJECTED_INVALID, FAILED"
// @Param limit query int false "Размер страницы (по умолчанию 100, не больше 500)"
// @Param offset query int false "Смещение"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse "Некорректный фильтр"
// @Failure 403 {object} response.ErrorResponse "Нет роли admin"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /admin/payments [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.payments.list"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	q := r.URL.Query()
	var f models.PaymentFilter
	if v := q.Get("account"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			badRequest(w, r, "invalid account")
			return
		}
		f.AccountIdentity = &id
	}
	if v := q.Get("status"); v != "" {
		st := models.PaymentStatus(v)
		switch st {
		case models.PaymentPending, models.PaymentSuccess, models.PaymentRejectedUnverified,
			models.PaymentRejectedInvalid, models.PaymentFailed:
			f.Status = &st
		default:
			badRequest(w, r, "invalid status")
			return
		}
	}
	var ok bool
	if f.Limit, ok = intParam(q.Get("limit")); !ok {
		badRequest(w, r, "invalid limit")
		return
	}
	if f.Offset, ok = intParam(q.Get("offset")); !ok {
		badRequest(w, r, "invalid offset")
		return
	}

	attempts, err := h.ledger.List(r.Context(), f)
	if err != nil {
		log.Error("failed to list payments", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
		return
	}

	log.Info("list payments", slog.Int("count", len(attempts)))
	render.JSON(w, r, response.OKWithData(map[string]any{
		"list_count": len(attempts),
		"payments":   nonNil(attempts),
	}))
}

// Pending godoc
// @Summary Зависшие платежи
// @Description Записи в статусе PENDING старше older_than, для ручной сверки.
// @Tags Admin
// @Produce  json
// @Security BearerAuth
// @Param older_than query string false "Возраст записи, например 15m или 2h (по умолчанию 15m)"
// @Param limit query int false "Размер выборки"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse "Некорректный параметр"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /admin/payments/pending [get]
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.payments.pending"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	q := r.URL.Query()
	olderThan := defaultPendingAge
	if v := q.Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			badRequest(w, r, "invalid older_than")
			return
		}
		olderThan = d
	}
	limit, ok := intParam(q.Get("limit"))
	if !ok {
		badRequest(w, r, "invalid limit")
		return
	}

	attempts, err := h.ledger.Stale(r.Context(), olderThan, limit)
	if err != nil {
		log.Error("failed to list pending payments", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
		return
	}

	if len(attempts) > 0 {
		log.Warn("stale pending payments", slog.Int("count", len(attempts)), slog.Duration("older_than", olderThan))
	}
	render.JSON(w, r, response.OKWithData(map[string]any{
		"list_count": len(attempts),
		"older_than": olderThan.String(),
		"payments":   nonNil(attempts),
	}))
}

func intParam(v string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, response.Error(msg))
}

func nonNil(a []models.PaymentAttempt) []models.PaymentAttempt {
	if a == nil {
		return []models.PaymentAttempt{}
	}
	return a
}
