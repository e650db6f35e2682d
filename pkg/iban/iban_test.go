package iban

import "testing"

func TestValid(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"DE89370400440532013000", true},
		{"de89 3704 0044 0532 0130 00", true}, // normalized first
		{"AT611904300234573201", true},
		{"NL91ABNA0417164300", true},
		{"GB29NWBK60161331926819", true},
		{"DE89370400440532013001", false},                // checksum off by one
		{"DE8937040044053201300", false},                 // truncated
		{"DE89 3704", false},                             // too short
		{"DE89370400440532013000000000000000000", false}, // too long
		{"DE8937040044053201300O", false},                // letter O in the BBAN digits is fine per charset, but breaks the checksum
		{"DE89-3704-0044-0532-0130-00", false},           // dashes are not stripped
		{"", false},
	}
	for _, c := range cases {
		if got := Valid(c.in); got != c.want {
			t.Errorf("Valid(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  de89 3704 0044 0532 0130 00 "); got != "DE89370400440532013000" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestCountry(t *testing.T) {
	if got := Country("de89 3704 0044 0532 0130 00"); got != "DE" {
		t.Fatalf("Country = %q", got)
	}
	if got := Country("X"); got != "" {
		t.Fatalf("short input must yield empty country, got %q", got)
	}
}
