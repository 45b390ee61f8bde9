package identity

import "testing"

func TestNormalize_StripsFormatting(t *testing.T) {
	cases := map[string]string{
		"(555) 123-4560":  "5551234560",
		"555.987.6543":    "5559876543",
		"5551234560":      "5551234560",
		"+1 555 123 4560": "1555123456", // capped at 10 digits
		"":                "",
		"abc":             "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("(555) 123-4560", "5551234560") {
		t.Fatalf("expected formatted and bare numbers to compare equal")
	}
	if Equal("5551234560", "5559876543") {
		t.Fatalf("distinct numbers must not compare equal")
	}
	if Equal("", "") {
		t.Fatalf("empty numbers must not compare equal")
	}
	if Equal("abc", "def") {
		t.Fatalf("non-numeric inputs must not compare equal")
	}
}

func TestValid(t *testing.T) {
	if Valid("--") {
		t.Fatalf("expected invalid")
	}
	if !Valid("555-0001") {
		t.Fatalf("expected valid")
	}
}
