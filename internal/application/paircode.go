package application

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	PairCodeLength   = 5
	pairCodeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// NewPairCode returns a random lowercase code of PairCodeLength characters.
func NewPairCode() (string, error) {
	limit := big.NewInt(int64(len(pairCodeAlphabet)))
	code := make([]byte, PairCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		code[i] = pairCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// NormalizePairCode trims, lowercases and drops anything after the first word.
func NormalizePairCode(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

func validPairCode(code string) bool {
	if len(code) != PairCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(pairCodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
