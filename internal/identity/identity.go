package identity

import "strings"

// MaxDigits is the maximum length of a normalized phone number.
const MaxDigits = 10

// Normalize reduces a phone number to its digit-only form, capped at
// MaxDigits digits. All party comparisons MUST go through Normalize first;
// raw formatting differences ("(555) 123-4560" vs "5551234560") are not
// equality-relevant.
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r < '0' || r > '9' {
			continue
		}
		b.WriteRune(r)
		if b.Len() == MaxDigits {
			break
		}
	}
	return b.String()
}

// Equal reports whether two raw phone numbers identify the same party.
func Equal(a, b string) bool {
	na := Normalize(a)
	if na == "" {
		return false
	}
	return na == Normalize(b)
}

// Valid reports whether raw normalizes to a non-empty number.
func Valid(raw string) bool {
	return Normalize(raw) != ""
}
