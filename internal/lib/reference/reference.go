// Package reference разбирает ссылку платежа вида
// <prefix>_<account_identity>_<package_days>_<suffix>.
package reference

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformed      = errors.New("malformed reference")
	ErrUnknownPrefix  = errors.New("unknown reference prefix")
	ErrInvalidAccount = errors.New("account identity must be numeric")
	ErrInvalidPackage = errors.New("package days not allowed")
	ErrInvalidSuffix  = errors.New("reference suffix must be alphanumeric")
)

// TrialDays код пакета пробного периода.
const TrialDays = 0

// Kind тип покупки, определяемый префиксом.
type Kind int

const (
	KindSubscription Kind = iota
	KindBoost
)

func (k Kind) String() string {
	if k == KindBoost {
		return "boost"
	}
	return "subscription"
}

// Reference разобранная ссылка платежа.
type Reference struct {
	Raw         string
	Kind        Kind
	AccountID   int64
	PackageDays int
	Suffix      string
}

// IsTrial сообщает, что ссылка активирует пробный период.
func (r Reference) IsTrial() bool {
	return r.Kind == KindSubscription && r.PackageDays == TrialDays
}

// Grammar хранит допустимые префиксы и длины пакетов.
type Grammar struct {
	subscriptionPrefix string
	boostPrefix        string
	days               map[int]struct{}
}

// NewGrammar создаёт грамматику. Код пробного периода (0) допустим всегда.
func NewGrammar(subscriptionPrefix, boostPrefix string, packageDays []int) Grammar {
	days := make(map[int]struct{}, len(packageDays)+1)
	days[TrialDays] = struct{}{}
	for _, d := range packageDays {
		days[d] = struct{}{}
	}
	return Grammar{
		subscriptionPrefix: subscriptionPrefix,
		boostPrefix:        boostPrefix,
		days:               days,
	}
}

// Parse проверяет ссылку и возвращает её части.
func (g Grammar) Parse(raw string) (Reference, error) {
	const op = "reference.Parse"

	parts := strings.Split(strings.TrimSpace(raw), "_")
	if len(parts) != 4 {
		return Reference{}, fmt.Errorf("%s: %q: %w", op, raw, ErrMalformed)
	}

	ref := Reference{Raw: strings.TrimSpace(raw)}
	switch parts[0] {
	case g.subscriptionPrefix:
		ref.Kind = KindSubscription
	case g.boostPrefix:
		ref.Kind = KindBoost
	default:
		return Reference{}, fmt.Errorf("%s: %q: %w", op, raw, ErrUnknownPrefix)
	}

	if !isDigits(parts[1]) {
		return Reference{}, fmt.Errorf("%s: %q: %w", op, raw, ErrInvalidAccount)
	}
	accountID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Reference{}, fmt.Errorf("%s: %q: %w", op, raw, ErrInvalidAccount)
	}
	ref.AccountID = accountID

	if !isDigits(parts[2]) {
		return Reference{}, fmt.Errorf("%s: %q: %w", op, raw, ErrInvalidPackage)
	}
	days, err := strconv.Atoi(parts[2])
	if err != nil {
		return Reference{}, fmt.Errorf("%s: %q: %w", op, raw, ErrInvalidPackage)
	}
	if _, ok := g.days[days]; !ok {
		return Reference{}, fmt.Errorf("%s: %q: %w", op, raw, ErrInvalidPackage)
	}
	if ref.Kind == KindBoost && days != 0 {
		return Reference{}, fmt.Errorf("%s: %q: boost carries no days: %w", op, raw, ErrInvalidPackage)
	}
	ref.PackageDays = days

	if !isAlnum(parts[3]) {
		return Reference{}, fmt.Errorf("%s: %q: %w", op, raw, ErrInvalidSuffix)
	}
	ref.Suffix = parts[3]

	return ref, nil
}

// Build собирает ссылку из частей.
func (g Grammar) Build(kind Kind, accountID int64, days int, suffix string) string {
	prefix := g.subscriptionPrefix
	if kind == KindBoost {
		prefix = g.boostPrefix
	}
	return fmt.Sprintf("%s_%d_%d_%s", prefix, accountID, days, suffix)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}
