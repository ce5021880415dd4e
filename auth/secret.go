package auth

import (
	"fmt"

	"github.com/jmcleod/cmpauth/internal/util"
)

// RandomSecrets generates secrets from the printable ASCII range using the
// system CSPRNG.
type RandomSecrets struct{}

func (RandomSecrets) Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid secret length %d", length)
	}
	return util.RandomPrintable(length)
}
