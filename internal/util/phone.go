package util

import (
	"strings"
)

// DefaultCountryCode is applied to local mobile numbers ("05xxxxxxxx").
const DefaultCountryCode = "966"

// NormalizePhone reduces a phone number to "+<digits>". Local Saudi mobiles get the
// default country code; "00" international prefixes become "+". Returns "" when no
// digits remain.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(p))
	for _, r := range p {
		if d, ok := asciiDigit(r); ok {
			b.WriteRune(d)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(p, "+"):
	case strings.HasPrefix(digits, "00"):
		digits = strings.TrimPrefix(digits, "00")
	case strings.HasPrefix(digits, "0") && len(digits) == 10:
		digits = DefaultCountryCode + digits[1:]
	case strings.HasPrefix(digits, "5") && len(digits) == 9:
		digits = DefaultCountryCode + digits
	}
	return "+" + digits
}

// JoinPhone combines a separate dialing code and number, as some payloads send them
// split ("+966", "501234567").
func JoinPhone(code, number string) string {
	number = strings.TrimSpace(number)
	if number == "" {
		return ""
	}
	code = strings.TrimSpace(code)
	if code == "" || strings.HasPrefix(number, "+") || strings.HasPrefix(number, "00") {
		return NormalizePhone(number)
	}
	code = strings.TrimPrefix(code, "+")
	if strings.HasPrefix(number, code) {
		return NormalizePhone("+" + number)
	}
	return NormalizePhone("+" + code + strings.TrimPrefix(number, "0"))
}

// asciiDigit maps ASCII, Arabic-Indic (٠-٩) and Extended Arabic-Indic (۰-۹) digits
// onto ASCII. Other runes, including digits of other scripts, are dropped.
func asciiDigit(r rune) (rune, bool) {
	switch {
	case r >= '0' && r <= '9':
		return r, true
	case r >= '٠' && r <= '٩':
		return '0' + (r - '٠'), true
	case r >= '۰' && r <= '۹':
		return '0' + (r - '۰'), true
	}
	return 0, false
}
