// Package accountgate решает, можно ли применять оплату к учётной записи.
// Пакет только читает поля учётной записи.
package accountgate

import (
	"errors"
	"time"

	"github.com/magabrotheeeer/blackbook-billing/internal/models"
	"github.com/magabrotheeeer/blackbook-billing/internal/subscription"
)

var (
	ErrNoSuchAccount          = errors.New("no such account")
	ErrUnverified             = errors.New("provider not verified")
	ErrAccountNotApprovable   = errors.New("account is rejected or suspended")
	ErrTrialAlreadyUsed       = errors.New("trial already used")
	ErrBoostNeedsSubscription = errors.New("boost requires an active subscription")
)

// Admit проверяет учётную запись перед применением покупки.
//
// Неверифицированная учётная запись не активируется никогда: активация
// означает публикацию в каталоге.
func Admit(acc *models.Account, purchase subscription.Purchase, now time.Time) error {
	if acc == nil {
		return ErrNoSuchAccount
	}
	if !acc.IsVerified {
		return ErrUnverified
	}
	switch acc.State {
	case models.AccountRejected, models.AccountSuspended:
		return ErrAccountNotApprovable
	}
	if purchase.Boost {
		if acc.ExpiryDate == nil || !acc.ExpiryDate.After(now) {
			return ErrBoostNeedsSubscription
		}
		return nil
	}
	if purchase.Days == 0 && acc.TrialUsed {
		return ErrTrialAlreadyUsed
	}
	return nil
}

// Snapshot выполняет Admit и возвращает копию учётной записи для машины состояний.
func Snapshot(acc *models.Account, purchase subscription.Purchase, now time.Time) (models.Account, error) {
	if err := Admit(acc, purchase, now); err != nil {
		return models.Account{}, err
	}
	return *acc, nil
}
