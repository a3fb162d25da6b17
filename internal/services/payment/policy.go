package payment

import (
	"sort"
	"strings"
	"time"

	"github.com/magabrotheeeer/blackbook-billing/internal/config"
	"github.com/magabrotheeeer/blackbook-billing/internal/lib/reference"
	"github.com/magabrotheeeer/blackbook-billing/internal/subscription"
)

// Policy хранит неизменяемые параметры обработки колбэков. Собирается один раз из конфига.
type Policy struct {
	Grammar     reference.Grammar
	Transitions subscription.Policy
	Timeout     time.Duration
	// AdminChatID получатель алертов о сбоях, 0 если алерты отключены.
	AdminChatID int64

	prices     map[int]int
	boostPrice int
}

// NewPolicy собирает политику из секции payments конфига. Таблица цен копируется.
func NewPolicy(cfg config.Payments) Policy {
	prices := make(map[int]int, len(cfg.PackagePrices))
	days := make([]int, 0, len(cfg.PackagePrices))
	for d, price := range cfg.PackagePrices {
		prices[d] = price
		days = append(days, d)
	}
	sort.Ints(days)

	return Policy{
		Grammar: reference.NewGrammar(cfg.SubscriptionPrefix, cfg.BoostPrefix, days),
		Transitions: subscription.Policy{
			TrialWindow:   time.Duration(cfg.TrialDays) * 24 * time.Hour,
			BoostDuration: time.Duration(cfg.BoostHours) * time.Hour,
		},
		Timeout:     cfg.CallbackTimeout,
		AdminChatID: cfg.AdminChatID,
		prices:      prices,
		boostPrice:  cfg.BoostPrice,
	}
}

// ExpectedAmount возвращает сумму, которую должен нести колбэк для ссылки.
// Триал бесплатный.
func (p Policy) ExpectedAmount(ref reference.Reference) (int, bool) {
	switch {
	case ref.Kind == reference.KindBoost:
		return p.boostPrice, true
	case ref.IsTrial():
		return 0, true
	}
	price, ok := p.prices[ref.PackageDays]
	return price, ok
}

// PurchaseOf переводит ссылку в покупку для машины состояний.
func PurchaseOf(ref reference.Reference) subscription.Purchase {
	return subscription.Purchase{
		Boost: ref.Kind == reference.KindBoost,
		Days:  ref.PackageDays,
	}
}

var successMarkers = map[string]struct{}{
	"0": {}, "200": {}, "success": {}, "completed": {}, "succeeded": {}, "ok": {},
}

// IsProviderSuccess сообщает, что провайдер считает платёж прошедшим.
func IsProviderSuccess(status string) bool {
	_, ok := successMarkers[strings.ToLower(strings.TrimSpace(status))]
	return ok
}
