package banktransfer

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Transfer codes avoid characters payers confuse when copying them into a
// banking form (0/O, 1/I, 2/Z, 5/S, 8/B).
const (
	codePrefix   = "FDS "
	codeAlphabet = "ACDEFHJKLMNPRSTUWXY3469"
	codeLength   = 8
)

// GenerateTransferCode returns a fresh payer-facing reference code.
func GenerateTransferCode() (string, error) {
	var b strings.Builder
	b.WriteString(codePrefix)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// IsTransferCode reports whether s has the shape of a generated code.
func IsTransferCode(s string) bool {
	if !strings.HasPrefix(s, codePrefix) {
		return false
	}
	body := strings.TrimPrefix(s, codePrefix)
	if len(body) != codeLength {
		return false
	}
	for i := 0; i < len(body); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(body[i])) {
			return false
		}
	}
	return true
}
