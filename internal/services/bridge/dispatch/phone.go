package dispatch

import "strings"

// NormalizePhone turns a raw phone number into a channel address: digits
// only, with a single leading zero rewritten to the country prefix. An
// empty or digit-free input yields no address, never an error.
func NormalizePhone(raw, prefix string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", false
	}
	if strings.HasPrefix(digits, "0") {
		digits = prefix + digits[1:]
	}
	return digits, true
}
