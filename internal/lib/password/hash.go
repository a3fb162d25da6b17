// Package password хранит и проверяет пароли кабинета провайдера в bcrypt.
package password

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrMismatch пароль не совпадает с хэшем.
var ErrMismatch = errors.New("password mismatch")

// GetHash возвращает bcrypt-хэш пароля.
func GetHash(password string) (string, error) {
	const op = "password.GetHash"
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return string(hashedPassword), nil
}

// CompareHash сравнивает bcrypt-хэш с введённым паролем.
// Несовпадение возвращается как ErrMismatch, испорченный хэш как обёрнутая ошибка bcrypt.
func CompareHash(originalHash, externalPassword string) error {
	const op = "password.CompareHash"
	err := bcrypt.CompareHashAndPassword([]byte(originalHash), []byte(externalPassword))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return fmt.Errorf("%s: %w", op, ErrMismatch)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

var dummyHash = sync.OnceValue(func() string {
	h, _ := GetHash("blackbook-portal-dummy")
	return h
})

// CompareDummy тратит на проверку столько же времени, сколько CompareHash,
// когда сравнивать не с чем. По времени ответа нельзя понять, есть ли такой телефон.
func CompareDummy(externalPassword string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash()), []byte(externalPassword))
}
