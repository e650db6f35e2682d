// Package iban validates payer-supplied IBANs before they reach a
// provider.
package iban

import (
	"math/big"
	"strings"
)

// Normalize strips spaces and uppercases.
func Normalize(iban string) string {
	return strings.ToUpper(strings.Join(strings.Fields(iban), ""))
}

// Valid performs the ISO 13616 mod-97 check on a normalized IBAN.
func Valid(iban string) bool {
	iban = Normalize(iban)
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	var digits strings.Builder
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			digits.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			// A=10 .. Z=35
			n := int(c-'A') + 10
			digits.WriteByte(byte('0' + n/10))
			digits.WriteByte(byte('0' + n%10))
		default:
			return false
		}
	}
	value, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(value, big.NewInt(97)).Int64() == 1
}

// Country returns the two-letter country prefix of a normalized IBAN.
func Country(iban string) string {
	iban = Normalize(iban)
	if len(iban) < 2 {
		return ""
	}
	return iban[:2]
}
