package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// printableChars is every printable, non-space ASCII character.
var printableChars = func() []rune {
	chars := make([]rune, 0, '~'-'!'+1)
	for c := '!'; c <= '~'; c++ {
		chars = append(chars, c)
	}
	return chars
}()

// RandomPrintable returns n characters drawn uniformly from the printable
// ASCII range '!'..'~'.
func RandomPrintable(n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("negative length %d", n)
	}
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(printableChars))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(printableChars[idx])
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
