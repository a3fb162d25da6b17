// Package login реализует HTTP-обработчик входа провайдера в кабинет.
//
// Телефон и пароль проверяются сервисом кабинета. При успехе возвращается JWT,
// после серии неудачных попыток вход блокируется на время из конфига.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/blackbook-billing/internal/http/response"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
	"github.com/magabrotheeeer/blackbook-billing/internal/services/portal"
)

// Request входные данные для входа.
type Request struct {
	Phone    string `json:"phone" validate:"required,min=9,max=20"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

// Service описывает вход в кабинет.
type Service interface {
	Login(ctx context.Context, phone, password string) (string, error)
}

// Handler обрабатывает HTTP-запросы входа.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создает новый экземпляр Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Вход провайдера в кабинет
// @Description Проверяет телефон и пароль, возвращает JWT с ролью provider.
// @Tags Portal
// @Accept  json
// @Produce  json
// @Param request body Request true "Телефон и пароль"
// @Success 200 {object} response.Response "Токен"
// @Failure 400 {object} response.ErrorResponse "Некорректный запрос"
// @Failure 401 {object} response.ErrorResponse "Неверный телефон или пароль"
// @Failure 403 {object} response.ErrorResponse "Учётная запись заблокирована модерацией"
// @Failure 423 {object} response.ErrorResponse "Вход временно заблокирован"
// @Failure 429 {object} response.ErrorResponse "Слишком много запросов"
// @Failure 500 {object} response.ErrorResponse "Внутренняя ошибка сервера"
// @Router /portal/login [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.portal.login"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		log.Warn("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		log.Warn("validation failed", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.ValidationError(err))
		return
	}

	token, err := h.service.Login(r.Context(), req.Phone, req.Password)
	var locked *portal.LockedError
	switch {
	case err == nil:
	case errors.As(err, &locked):
		render.Status(r, http.StatusLocked)
		render.JSON(w, r, response.Error("too many failed logins, try again after "+locked.Until.UTC().Format(time.RFC3339)))
		return
	case errors.Is(err, portal.ErrInvalidCredentials):
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("invalid phone or password"))
		return
	case errors.Is(err, portal.ErrAccountSuspended):
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, response.Error("account is suspended, contact support"))
		return
	default:
		log.Error("login failed", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal error"))
		return
	}

	render.JSON(w, r, response.OKWithData(map[string]any{
		"token": token,
	}))
}
