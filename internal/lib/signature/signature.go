// Package signature проверяет подпись колбэков платёжного провайдера.
//
// Подпись считается как HMAC-SHA256 от сырого тела запроса на общем секрете и
// передаётся в заголовке в виде "sha256=<hex>".
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const schemePrefix = "sha256="

// Verify сравнивает подпись из заголовка с HMAC тела за постоянное время.
// Пустой секрет, пустой или битый заголовок дают false.
func Verify(body []byte, header, secret string) bool {
	if secret == "" {
		return false
	}
	sig := strings.TrimSpace(header)
	if len(sig) >= len(schemePrefix) && strings.EqualFold(sig[:len(schemePrefix)], schemePrefix) {
		sig = sig[len(schemePrefix):]
	}
	if sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, compute(body, secret))
}

// Sign возвращает значение заголовка для тела. Используется провайдером-эмулятором и в тестах.
func Sign(body []byte, secret string) string {
	return schemePrefix + hex.EncodeToString(compute(body, secret))
}

func compute(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}
