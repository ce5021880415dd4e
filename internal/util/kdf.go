package util

import (
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/text/unicode/norm"
)

type Argon2idParams struct {
	Time        uint32 `json:"time" yaml:"time"`
	MemoryKiB   uint32 `json:"memory" yaml:"memory"`
	Parallelism uint8  `json:"parallelism" yaml:"parallelism"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
	}
}

// Normalize applies NFKD so that visually identical passphrases derive the
// same key regardless of input method.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// DeriveRecordKey stretches a passphrase into an AES-256 record key.
func DeriveRecordKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("salt too short: %d bytes", len(salt))
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("invalid argon2id parameters %+v", params)
	}
	return argon2.IDKey([]byte(Normalize(passphrase)), salt, params.Time, params.MemoryKiB, params.Parallelism, AESKeySize), nil
}
