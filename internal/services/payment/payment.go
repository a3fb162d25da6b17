// Package payment обрабатывает колбэки платёжного провайдера: проверяет ссылку и сумму,
// ведёт журнал, пропускает учётную запись через допуск и применяет покупку к подписке.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/magabrotheeeer/blackbook-billing/internal/accountgate"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/reference"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/sl"
	"github.com/magabrotheeeer/blackbook-billing/internal/models"
	"github.com/magabrotheeeer/blackbook-billing/internal/services/ledger"
	"github.com/magabrotheeeer/blackbook-billing/internal/storage"
	"github.com/magabrotheeeer/blackbook-billing/internal/subscription"
)

// Исходы обработки колбэка, они же метки метрики.
const (
	OutcomeActivated      = "activated"
	OutcomeDuplicate      = "duplicate"
	OutcomeInvalid        = "rejected_invalid"
	OutcomeUnverified     = "rejected_unverified"
	OutcomeNotFound       = "not_found"
	OutcomeNotEligible    = "not_eligible"
	OutcomeProviderFailed = "provider_failed"
	OutcomeError          = "error"
	OutcomeBadSignature   = "bad_signature"
	OutcomeBadPayload     = "bad_payload"
)

// Тексты ответов. Операционные скрипты проверяют их дословно.
const (
	MsgSubscriptionActivated = "Subscription activated"
	MsgBoostActivated        = "Boost activated"
	MsgAlreadyProcessed      = "Already processed"
	MsgPaymentFailed         = "Payment failed"
	MsgNotFound              = "Provider not found"
	MsgNotVerified           = "Provider not verified"
	MsgNotEligible           = "Provider account not eligible"
	MsgInternal              = "Internal callback error"
	MsgInvalidReference      = "Invalid account reference"
	MsgReferenceMismatch     = "Account reference mismatch"
	MsgInvalidAmount         = "Invalid payment amount"
	MsgTrialUsed             = "Trial already used"
	MsgBoostNeedsPlan        = "Boost requires an active subscription"
)

// maxStoredReference ограничивает длину ссылки в журнале (payments.reference VARCHAR(128)).
const maxStoredReference = 128

// Callback описывает проверенное по подписи тело колбэка.
type Callback struct {
	Status           string
	Reference        string
	Amount           int
	AccountReference string
}

// Result описывает итог обработки: ровно один HTTP-статус и один статус журнала.
// Ledger пуст, если запись в журнале не создавалась и не менялась.
type Result struct {
	HTTPStatus int
	Ledger     models.PaymentStatus
	Message    string
	Outcome    string

	cause error
}

// OK сообщает, что ответ успешный.
func (r Result) OK() bool {
	return r.HTTPStatus < http.StatusBadRequest
}

// Cache сбрасывает кэш состояния подписки учётной записи.
type Cache interface {
	InvalidateAccount(ctx context.Context, telegramID int64) error
}

// Publisher отправляет уведомление в брокер.
type Publisher interface {
	PublishNotification(ctx context.Context, n models.Notification) error
}

// Metrics учитывает исходы колбэков.
type Metrics interface {
	ObserveCallback(outcome string, d time.Duration)
}

// Service оркестрирует обработку колбэков.
type Service struct {
	log       *slog.Logger
	policy    Policy
	ledger    *ledger.Recorder
	accounts  storage.TxRunner
	cache     Cache
	publisher Publisher
	metrics   Metrics
	now       func() time.Time
}

// New создаёт оркестратор. cache, publisher и metrics могут быть nil.
func New(log *slog.Logger, policy Policy, recorder *ledger.Recorder, accounts storage.TxRunner,
	cache Cache, publisher Publisher, metrics Metrics) *Service {
	return &Service{
		log:       log,
		policy:    policy,
		ledger:    recorder,
		accounts:  accounts,
		cache:     cache,
		publisher: publisher,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Timeout возвращает предельное время обработки одного колбэка.
func (s *Service) Timeout() time.Duration {
	return s.policy.Timeout
}

// Observe учитывает исход, определённый до вызова Process (подпись, разбор тела).
func (s *Service) Observe(outcome string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveCallback(outcome, d)
	}
}

// Process проводит колбэк через все проверки и возвращает итог.
func (s *Service) Process(ctx context.Context, cb Callback) (res Result) {
	const op = "payment.Process"
	log := s.log.With(slog.String("op", op), sl.Reference(cb.Reference))

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = s.internal(log, fmt.Errorf("%s: panic: %v", op, r), "callback processing panicked")
			s.Observe(res.Outcome, time.Since(start))
			s.alert(ctx, log, cb, res)
		}
	}()

	res = s.process(ctx, log, cb)
	s.Observe(res.Outcome, time.Since(start))
	s.alert(ctx, log, cb, res)

	log.Info("callback processed",
		slog.String("outcome", res.Outcome),
		slog.Int("http_status", res.HTTPStatus),
		slog.String("ledger_status", string(res.Ledger)),
	)
	return res
}

func (s *Service) process(ctx context.Context, log *slog.Logger, cb Callback) Result {
	if len(cb.Reference) > maxStoredReference {
		return s.rejectInvalid(ctx, log, models.PaymentAttempt{Reference: cb.Reference, Amount: cb.Amount},
			MsgInvalidReference, fmt.Errorf("reference is %d bytes long", len(cb.Reference)))
	}
	ref, err := s.policy.Grammar.Parse(cb.Reference)
	if err != nil {
		return s.rejectInvalid(ctx, log, models.PaymentAttempt{Reference: cb.Reference, Amount: cb.Amount},
			MsgInvalidReference, err)
	}

	attempt := models.PaymentAttempt{
		Reference:       ref.Raw,
		Amount:          cb.Amount,
		PackageDays:     ref.PackageDays,
		AccountIdentity: ref.AccountID,
	}
	if cb.AccountReference != cb.Reference {
		return s.rejectInvalid(ctx, log, attempt, MsgReferenceMismatch,
			errors.New("account_reference "+cb.AccountReference+" differs from reference"))
	}
	if want, ok := s.policy.ExpectedAmount(ref); !ok || want != cb.Amount {
		return s.rejectInvalid(ctx, log, attempt, MsgInvalidAmount,
			errors.New("amount does not match package price"))
	}

	existing, found, err := s.ledger.FindSuccessful(ctx, ref.Raw)
	if err != nil {
		return s.internal(log, err, "duplicate check failed")
	}
	if found {
		return s.duplicate(log, existing)
	}

	if !IsProviderSuccess(cb.Status) {
		attempt.Status = models.PaymentFailed
		attempt.Reason = "provider status: " + cb.Status
		if _, err := s.ledger.Record(ctx, attempt); err != nil {
			return s.internal(log, err, "failed to record provider failure")
		}
		log.Warn("provider reported failed payment", slog.String("provider_status", cb.Status))
		return Result{HTTPStatus: http.StatusOK, Ledger: models.PaymentFailed, Message: MsgPaymentFailed, Outcome: OutcomeProviderFailed}
	}

	opened, err := s.ledger.Open(ctx, attempt)
	if err != nil {
		return s.internal(log, err, "failed to open ledger row")
	}

	purchase := PurchaseOf(ref)
	var activated models.Account
	err = s.accounts.WithinAccountTx(ctx, ref.AccountID, func(tx storage.AccountTx) error {
		done, err := tx.HasSuccess(ctx, ref.Raw)
		if err != nil {
			return err
		}
		if done {
			return storage.ErrDuplicateSuccess
		}

		acc := tx.Account()
		now := s.now()
		if err := accountgate.Admit(&acc, purchase, now); err != nil {
			return err
		}
		next, err := s.policy.Transitions.Apply(acc, purchase, now)
		if err != nil {
			return err
		}
		if err := tx.SaveSubscription(ctx, next); err != nil {
			return err
		}
		if err := s.ledger.FinalizeSuccess(ctx, tx, opened); err != nil {
			return err
		}
		activated = next
		return nil
	})
	if err != nil {
		return s.settle(ctx, log, opened, err)
	}

	s.afterActivation(ctx, log, ref, activated, cb.Amount)

	msg := MsgSubscriptionActivated
	if purchase.Boost {
		msg = MsgBoostActivated
	}
	return Result{HTTPStatus: http.StatusOK, Ledger: models.PaymentSuccess, Message: msg, Outcome: OutcomeActivated}
}

// settle переводит отказ из транзакции в итог и закрывает открытую запись журнала.
func (s *Service) settle(ctx context.Context, log *slog.Logger, opened models.PaymentAttempt, err error) Result {
	switch {
	case errors.Is(err, storage.ErrDuplicateSuccess):
		// Проиграли гонку дубликатов: перечитываем один раз и отвечаем идемпотентно.
		existing, found, rerr := s.ledger.FindSuccessful(ctx, opened.Reference)
		if rerr != nil || !found {
			log.Error("duplicate race re-read failed", sl.Err(err), slog.Any("reread_error", rerr))
			return s.internal(log, err, "duplicate race unresolved")
		}
		s.ledger.Discard(ctx, opened)
		return s.duplicate(log, existing)

	case errors.Is(err, storage.ErrAccountNotFound):
		return s.finalize(ctx, log, opened, err, models.PaymentFailed, http.StatusNotFound, MsgNotFound, OutcomeNotFound)

	case errors.Is(err, accountgate.ErrUnverified):
		return s.finalize(ctx, log, opened, err, models.PaymentRejectedUnverified, http.StatusForbidden, MsgNotVerified, OutcomeUnverified)

	case errors.Is(err, accountgate.ErrAccountNotApprovable):
		return s.finalize(ctx, log, opened, err, models.PaymentFailed, http.StatusForbidden, MsgNotEligible, OutcomeNotEligible)

	case errors.Is(err, accountgate.ErrTrialAlreadyUsed), errors.Is(err, subscription.ErrTrialUsed):
		return s.finalize(ctx, log, opened, err, models.PaymentRejectedInvalid, http.StatusBadRequest, MsgTrialUsed, OutcomeInvalid)

	case errors.Is(err, accountgate.ErrBoostNeedsSubscription):
		return s.finalize(ctx, log, opened, err, models.PaymentRejectedInvalid, http.StatusBadRequest, MsgBoostNeedsPlan, OutcomeInvalid)

	case errors.Is(err, subscription.ErrUnknownPackage):
		return s.finalize(ctx, log, opened, err, models.PaymentRejectedInvalid, http.StatusBadRequest, MsgInvalidReference, OutcomeInvalid)
	}

	// Хранилище недоступно или истёк таймаут: запись остаётся PENDING для сверки.
	return s.internal(log, err, "activation transaction failed")
}

func (s *Service) finalize(ctx context.Context, log *slog.Logger, opened models.PaymentAttempt, cause error,
	status models.PaymentStatus, code int, msg, outcome string) Result {
	log.Warn("callback rejected",
		slog.String("reason", msg),
		slog.Int64("account_identity", opened.AccountIdentity),
		sl.Err(cause),
	)
	if err := s.ledger.Finalize(ctx, opened, status, msg); err != nil {
		return s.internal(log, err, "failed to finalize rejected attempt")
	}
	return Result{HTTPStatus: code, Ledger: status, Message: msg, Outcome: outcome}
}

func (s *Service) rejectInvalid(ctx context.Context, log *slog.Logger, attempt models.PaymentAttempt, msg string, cause error) Result {
	log.Warn("callback payload invalid", slog.String("reason", msg), sl.Err(cause))

	attempt.Status = models.PaymentRejectedInvalid
	attempt.Reason = msg
	attempt.Reference = truncateReference(attempt.Reference)
	if _, err := s.ledger.Record(ctx, attempt); err != nil {
		return s.internal(log, err, "failed to record invalid attempt")
	}
	return Result{HTTPStatus: http.StatusBadRequest, Ledger: models.PaymentRejectedInvalid, Message: msg, Outcome: OutcomeInvalid}
}

// truncateReference обрезает ссылку до ширины колонки, не разрывая символ UTF-8.
func truncateReference(ref string) string {
	if len(ref) <= maxStoredReference {
		return ref
	}
	cut := maxStoredReference
	for cut > 0 && !utf8.RuneStart(ref[cut]) {
		cut--
	}
	return ref[:cut]
}

func (s *Service) duplicate(log *slog.Logger, existing models.PaymentAttempt) Result {
	log.Info("duplicate callback ignored", slog.String("attempt_id", existing.ID.String()))
	return Result{HTTPStatus: http.StatusOK, Ledger: existing.Status, Message: MsgAlreadyProcessed, Outcome: OutcomeDuplicate}
}

func (s *Service) internal(log *slog.Logger, err error, msg string) Result {
	log.Error(msg, sl.Err(err))
	return Result{HTTPStatus: http.StatusInternalServerError, Message: MsgInternal, Outcome: OutcomeError,
		cause: fmt.Errorf("%s: %w", msg, err)}
}

// alert сообщает оператору о колбэке, завершившемся внутренней ошибкой.
// Отказы по данным и проверкам алертов не порождают.
func (s *Service) alert(ctx context.Context, log *slog.Logger, cb Callback, res Result) {
	if res.Outcome != OutcomeError || s.policy.AdminChatID == 0 || s.publisher == nil {
		return
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	msg := res.Message
	if res.cause != nil {
		msg = res.cause.Error()
	}
	n := models.Notification{
		Event:      models.EventAdminAlert,
		TelegramID: s.policy.AdminChatID,
		Reference:  cb.Reference,
		Message:    msg,
	}
	if err := s.publisher.PublishNotification(bg, n); err != nil {
		log.Warn("failed to publish admin alert", sl.Err(err))
	}
}

// afterActivation выполняется после коммита. Ошибки здесь не влияют на ответ.
func (s *Service) afterActivation(ctx context.Context, log *slog.Logger, ref reference.Reference, acc models.Account, amount int) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if s.cache != nil {
		if err := s.cache.InvalidateAccount(bg, acc.TelegramID); err != nil {
			log.Warn("failed to invalidate subscription cache", sl.Err(err))
		}
	}
	if s.publisher == nil {
		return
	}

	n := models.Notification{
		TelegramID: acc.TelegramID,
		Amount:     amount,
		Reference:  ref.Raw,
	}
	if ref.Kind == reference.KindBoost {
		n.Event = models.EventBoostActivated
		n.Hours = int(s.policy.Transitions.BoostDuration / time.Hour)
		n.Until = acc.BoostUntil
	} else {
		n.Event = models.EventSubscriptionActivated
		n.Tier = acc.Tier
		n.Days = ref.PackageDays
		if ref.IsTrial() {
			n.Days = int(s.policy.Transitions.TrialWindow / (24 * time.Hour))
		}
		n.Until = acc.ExpiryDate
	}
	if err := s.publisher.PublishNotification(bg, n); err != nil {
		log.Warn("failed to publish activation event", sl.Err(err))
	}
}
