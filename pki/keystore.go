package pki

import (
	"crypto"
	"errors"
)

// KeyStore abstracts private-key operations so that CA administration can
// run against software keys or an external signing device without changing
// calling code.
//
// A key id is opaque and only meaningful to the store that returned it.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns its id.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for keyID, suitable for
	// x509.CreateCertificate and x509.CreateRevocationList.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key as a PKCS#8 "PRIVATE KEY" PEM block.
	// Stores whose keys cannot leave the device return ErrKeyNotExportable.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM-encoded private key and returns its id.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete forgets keyID. Deleting an unknown id is not an error.
	Delete(keyID string) error
}

// ErrKeyNotExportable is returned by KeyStore.ExportPEM when the backing
// store does not allow private key material to leave the device.
var ErrKeyNotExportable = errors.New("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")
