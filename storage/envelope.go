package storage

import (
	"errors"
	"fmt"

	"github.com/jmcleod/cmpauth/internal/util"
)

const (
	envelopeVersion = 1
	envelopeScheme  = "aes256gcm"
)

// ErrBadEnvelope is returned for envelopes this build cannot open.
var ErrBadEnvelope = errors.New("unsupported record envelope")

// Envelope is an AES-256-GCM sealed value. Directory records embed it for
// CA private keys and end-entity secrets.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext under recordKey, binding it to aad.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	nonce, ciphertext, err := util.SealAESGCM(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{Ver: envelopeVersion, Scheme: envelopeScheme, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// OpenRecord reverses SealRecord. A wrong key or aad fails authentication.
func OpenRecord(recordKey []byte, env *Envelope, aad []byte) ([]byte, error) {
	switch {
	case env == nil:
		return nil, fmt.Errorf("%w: missing", ErrBadEnvelope)
	case env.Ver != envelopeVersion:
		return nil, fmt.Errorf("%w: version %d", ErrBadEnvelope, env.Ver)
	case env.Scheme != envelopeScheme:
		return nil, fmt.Errorf("%w: scheme %q", ErrBadEnvelope, env.Scheme)
	}
	return util.OpenAESGCM(env.Nonce, env.Ciphertext, recordKey, aad)
}
