// Package phone canonicalizes subscriber numbers into the international form
// the mobile-money providers expect (country code followed by the subscriber
// number, digits only, no leading plus).
package phone

import (
	"strings"

	"github.com/akylbek/payment-system/payment-gateway/internal/apperr"
)

const (
	DefaultCountryCode = "254"
	subscriberLength   = 9
)

// Number is a canonical phone number, e.g. 254712345678.
type Number string

func (n Number) String() string { return string(n) }

// Normalizer is safe for concurrent use; it holds no mutable state.
type Normalizer struct {
	CountryCode string
	// Prefixes lists the accepted first digits of the subscriber number.
	Prefixes string
}

func NewNormalizer() Normalizer {
	return Normalizer{CountryCode: DefaultCountryCode, Prefixes: "17"}
}

// Normalize accepts local (0712345678), bare (712345678) and canonical
// (254712345678, +254 712 345 678) forms. Spaces, dashes, dots, parentheses
// and a single leading plus are stripped; any other character is rejected.
func (n Normalizer) Normalize(raw string) (Number, error) {
	digits, ok := strip(raw)
	if !ok || digits == "" {
		return "", invalid()
	}

	var subscriber string
	switch {
	case len(digits) == len(n.CountryCode)+subscriberLength && strings.HasPrefix(digits, n.CountryCode):
		subscriber = digits[len(n.CountryCode):]
	case len(digits) == subscriberLength+1 && digits[0] == '0':
		subscriber = digits[1:]
	case len(digits) == subscriberLength:
		subscriber = digits
	default:
		return "", invalid()
	}

	if n.Prefixes != "" && !strings.ContainsRune(n.Prefixes, rune(subscriber[0])) {
		return "", invalid()
	}
	return Number(n.CountryCode + subscriber), nil
}

// Normalize uses the default Kenyan normalizer.
func Normalize(raw string) (Number, error) {
	return NewNormalizer().Normalize(raw)
}

func strip(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	return b.String(), true
}

// invalid never echoes the input; errors end up in logs and responses.
func invalid() error {
	return apperr.New(apperr.InvalidPhone, "phone number is not a recognised mobile number")
}
