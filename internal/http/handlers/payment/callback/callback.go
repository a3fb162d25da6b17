// Package callback реализует приём колбэков платёжного провайдера.
//
// Подпись проверяется по сырому телу до разбора JSON: поля неподписанного
// запроса не читаются вообще.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/blackbook-billing/internal/http/response"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/signature"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
	"github.com/magabrotheeeer/blackbook-billing/internal/services/payment"
)

const maxBodyBytes = 64 << 10

// Service описывает оркестратор колбэков.
type Service interface {
	Process(ctx context.Context, cb payment.Callback) payment.Result
	Observe(outcome string, d time.Duration)
	Timeout() time.Duration
}

// Handler обрабатывает POST колбэка.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
	secret   string
	header   string
}

// New создаёт Handler. Подпись вида sha256=<hex> читается из заголовка header.
func New(log *slog.Logger, service Service, secret, header string) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
		secret:   secret,
		header:   header,
	}
}

// Request тело колбэка.
type Request struct {
	Status           ProviderStatus `json:"status" validate:"required"`
	Reference        string         `json:"reference" validate:"required"`
	Amount           *json.Number   `json:"amount" validate:"required"`
	AccountReference string         `json:"account_reference" validate:"required"`
}

// ProviderStatus принимает статус и строкой, и числом (коды результата).
type ProviderStatus string

// UnmarshalJSON реализует json.Unmarshaler.
func (s *ProviderStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = ProviderStatus(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = ProviderStatus(n.String())
	return nil
}

// ServeHTTP godoc
// @Summary Колбэк платёжного провайдера
// @Description Проверяет подпись, журналирует попытку и активирует подписку или буст.
// @Tags Payments
// @Accept  json
// @Produce  json
// @Param X-MegaPay-Signature header string true "sha256=<hex hmac тела>"
// @Param request body Request true "Тело колбэка"
// @Success 200 {object} response.Response "Subscription activated / Boost activated / Already processed / Payment failed"
// @Failure 400 {object} response.ErrorResponse "Невалидное тело или ссылка"
// @Failure 403 {object} response.ErrorResponse "Неверная подпись или провайдер не верифицирован"
// @Failure 404 {object} response.ErrorResponse "Provider not found"
// @Failure 500 {object} response.ErrorResponse "Internal callback error"
// @Router /payments/callback [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.callback"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Error("failed to read callback body", sl.Err(err))
		h.fail(w, r, start, http.StatusBadRequest, payment.OutcomeBadPayload, "Invalid payload")
		return
	}

	if !signature.Verify(body, r.Header.Get(h.header), h.secret) {
		log.Warn("invalid or missing callback signature", slog.String("remote_addr", r.RemoteAddr))
		h.fail(w, r, start, http.StatusForbidden, payment.OutcomeBadSignature, "Invalid signature")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		log.Error("failed to decode callback payload", sl.Err(err))
		h.fail(w, r, start, http.StatusBadRequest, payment.OutcomeBadPayload, "Invalid payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		log.Error("callback validation failed", sl.Err(err))
		h.fail(w, r, start, http.StatusBadRequest, payment.OutcomeBadPayload,
			"Invalid payload: "+response.ValidationError(err).Error)
		return
	}
	amount, ok := wholeAmount(*req.Amount)
	if !ok {
		log.Error("callback amount is not a whole non-negative number", slog.String("amount", req.Amount.String()))
		h.fail(w, r, start, http.StatusBadRequest, payment.OutcomeBadPayload, "Invalid payload: amount")
		return
	}

	ctx := r.Context()
	if timeout := h.service.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res := h.service.Process(ctx, payment.Callback{
		Status:           string(req.Status),
		Reference:        req.Reference,
		Amount:           amount,
		AccountReference: req.AccountReference,
	})

	render.Status(r, res.HTTPStatus)
	if res.OK() {
		render.JSON(w, r, response.OK(res.Message))
		return
	}
	render.JSON(w, r, response.Error(res.Message))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, start time.Time, code int, outcome, msg string) {
	h.service.Observe(outcome, time.Since(start))
	render.Status(r, code)
	render.JSON(w, r, response.Error(msg))
}

func wholeAmount(n json.Number) (int, bool) {
	if i, err := n.Int64(); err == nil {
		return int(i), i >= 0 && i <= math.MaxInt32
	}
	f, err := n.Float64()
	if err != nil || f < 0 || f > math.MaxInt32 || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}
