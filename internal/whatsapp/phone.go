package whatsapp

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// normalizePhone reduces a destination phone number to the digits-only
// form the gateway expects.  Properly formed numbers go through E.164
// parsing first so national formats pick up the country code; anything
// unparseable falls back to stripping non-digits.
func normalizePhone(input string) string {
	in := strings.TrimSpace(input)
	// Region BR helps when input is national format without +55
	region := "BR"
	if strings.HasPrefix(in, "+") {
		region = ""
	}
	if num, err := phonenumbers.Parse(in, region); err == nil && phonenumbers.IsValidNumber(num) {
		return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
	}
	return digitsOnly(in)
}

func digitsOnly(s string) string {
	b := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b = append(b, r)
		}
	}
	return string(b)
}
