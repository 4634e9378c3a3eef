package syncer

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("phone number does not normalise to +7XXXXXXXXXX")

// NormalizePhone reduces a phone number to +7XXXXXXXXXX. A leading 8 is
// the domestic trunk prefix and is replaced by the country code; ten digits
// are taken as a number without one.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 11 && digits[0] == '8':
		digits = "7" + digits[1:]
	case len(digits) == 10:
		digits = "7" + digits
	case len(digits) == 11 && digits[0] == '7':
	default:
		return "", ErrInvalidPhone
	}
	return "+" + digits, nil
}
