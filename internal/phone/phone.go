package phone

import (
	"strings"
	"unicode"
)

// DefaultCountryCode is used when a number is dialled in national format.
const DefaultCountryCode = "972"

// Normalize canonicalizes a phone number to international digits without a
// leading plus, so the same real recipient always maps to one key.
// National numbers with a single leading 0 (05XXXXXXXX) get countryCode
// prepended; a stray trunk 0 after the country code (9720...) is dropped.
func Normalize(number, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}

	trimmed := strings.TrimSpace(number)
	international := strings.HasPrefix(trimmed, "+") || strings.HasPrefix(trimmed, "00")

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, trimmed)
	if digits == "" {
		return ""
	}

	if strings.HasPrefix(trimmed, "00") {
		digits = digits[2:]
	}

	if !international && strings.HasPrefix(digits, "0") && !strings.HasPrefix(digits, "00") {
		digits = countryCode + digits[1:]
	}

	if strings.HasPrefix(digits, countryCode+"0") {
		digits = countryCode + digits[len(countryCode)+1:]
	}

	return digits
}

// Contact is anything that carries an identifier and a phone number.
type Contact interface {
	ContactID() string
	ContactPhone() string
}

// Duplicates groups contacts that resolve to the same normalized number.
// Only numbers shared by two or more contacts are returned; contacts without
// a number are ignored.
func Duplicates[C Contact](contacts []C, countryCode string) map[string][]string {
	byNumber := make(map[string][]string)
	for _, c := range contacts {
		n := Normalize(c.ContactPhone(), countryCode)
		if n == "" {
			continue
		}
		byNumber[n] = append(byNumber[n], c.ContactID())
	}

	dups := make(map[string][]string)
	for n, ids := range byNumber {
		if len(ids) > 1 {
			dups[n] = ids
		}
	}
	return dups
}
