package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"sync"
)

// ---------------------------------------------------------------------------
// SoftwareKeyStore: default implementation backed by in-memory keys
// ---------------------------------------------------------------------------

// SoftwareKeyStore generates ECDSA keys and holds them in memory. Imported
// keys may also be RSA or Ed25519. Keys are ephemeral; persistence is the
// directory's job via ExportPEM/ImportPEM.
type SoftwareKeyStore struct {
	mu    sync.Mutex
	keys  map[string]crypto.Signer
	curve elliptic.Curve
	rand  io.Reader
	seq   int
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// SoftwareKeyStoreOption configures a SoftwareKeyStore.
type SoftwareKeyStoreOption func(*SoftwareKeyStore)

// WithCurve selects the curve for generated keys. The default is P-256.
func WithCurve(c elliptic.Curve) SoftwareKeyStoreOption {
	return func(s *SoftwareKeyStore) { s.curve = c }
}

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore(opts ...SoftwareKeyStoreOption) *SoftwareKeyStore {
	s := &SoftwareKeyStore{
		keys:  make(map[string]crypto.Signer),
		curve: elliptic.P256(),
		rand:  rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SoftwareKeyStore) add(key crypto.Signer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = key
	return id
}

func (s *SoftwareKeyStore) get(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// GenerateKey creates a new ECDSA key pair on the configured curve.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	priv, err := ecdsa.GenerateKey(s.curve, s.rand)
	if err != nil {
		return "", fmt.Errorf("generating ECDSA %s key: %w", s.curve.Params().Name, err)
	}
	return s.add(priv), nil
}

// Signer returns the private key, which implements crypto.Signer.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	return s.get(keyID)
}

// ExportPEM encodes the private key as PKCS#8 "PRIVATE KEY" PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	key, err := s.get(keyID)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ImportPEM parses a PKCS#8, SEC1 or PKCS#1 private key block and stores it.
func (s *SoftwareKeyStore) ImportPEM(pemData string) (string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}

	var key any
	var err error
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return "", fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}

	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		return s.add(k), nil
	case *rsa.PrivateKey:
		return s.add(k), nil
	case ed25519.PrivateKey:
		return s.add(k), nil
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", ErrInvalidPEM, key)
	}
}

// Delete removes the key from memory.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
