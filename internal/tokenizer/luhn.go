package tokenizer

import (
	"regexp"
	"strings"
)

var cardTypes = []struct {
	name string
	re   *regexp.Regexp
}{
	{"Visa", regexp.MustCompile(`^4[0-9]{12}(?:[0-9]{3})?$`)},
	{"Mastercard", regexp.MustCompile(`^(?:5[1-5]|2[2-7])[0-9]{14}$`)},
	{"Amex", regexp.MustCompile(`^3[47][0-9]{13}$`)},
	{"Discover", regexp.MustCompile(`^(?:6011[0-9]{12}|64[4-9][0-9]{13}|65[0-9]{14})$`)},
}

// normalizeCard strips the separators people type into card numbers.
func normalizeCard(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

// cardType names the card brand of number, or "Unknown".
func cardType(number string) string {
	for _, ct := range cardTypes {
		if ct.re.MatchString(number) {
			return ct.name
		}
	}
	return "Unknown"
}

// validLuhn reports whether number is all digits and passes the Luhn check.
func validLuhn(number string) bool {
	if len(number) < 2 {
		return false
	}
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// luhnCheckDigit returns the digit that makes partial+digit Luhn valid.
func luhnCheckDigit(partial string) int {
	sum := 0
	double := true
	for i := len(partial) - 1; i >= 0; i-- {
		d := int(partial[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return (10 - sum%10) % 10
}

// looksLikeCard reports whether s, once separators are removed, is a
// plausible card number.
func looksLikeCard(s string) bool {
	n := normalizeCard(s)
	return len(n) >= 13 && len(n) <= 19 && validLuhn(n)
}
