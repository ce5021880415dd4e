// Package pki administers the certificate authorities and end-entity
// certificates that the CMP authentication engine trusts. Managed CAs keep
// their signing key sealed in the directory; imported vendor CAs carry only
// a certificate chain.
package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/directory"
	"github.com/jmcleod/cmpauth/internal/util"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrNotCA is returned when an imported certificate lacks the CA basic
	// constraint.
	ErrNotCA = errors.New("certificate is not a CA certificate")

	// ErrExternalCA is returned when a signing operation targets a CA that
	// was imported without a key.
	ErrExternalCA = errors.New("CA has no signing key")

	// ErrCertAlreadyRevoked is returned when attempting to revoke a
	// certificate that is already revoked.
	ErrCertAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrMissingUsername is returned when a certificate would be recorded
	// without an owning end entity.
	ErrMissingUsername = errors.New("certificate username must not be empty")
)

// ---------------------------------------------------------------------------
// Well-known field names returned by ParseCertificatePEM
// ---------------------------------------------------------------------------

const (
	FieldSubject           = "subject"
	FieldIssuer            = "issuer"
	FieldSerialNumber      = "serial_number"
	FieldNotBefore         = "not_before"
	FieldNotAfter          = "not_after"
	FieldFingerprintSHA256 = "fingerprint_sha256"
	FieldKeyAlgorithm      = "key_algorithm"
	FieldStatus            = "status"
	FieldIsCA              = "is_ca"
)

// Revocation reason codes (RFC 5280 section 5.3.1) used by the CLI.
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonCACompromise         = 2
	ReasonAffiliationChanged   = 3
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
)

// IssueCertRequest holds the parameters for issuing a new end-entity
// certificate.
type IssueCertRequest struct {
	// CAName selects the managed CA that signs the certificate.
	CAName string
	// Username is the end entity the certificate is recorded for.
	Username       string
	Subject        pkix.Name
	ValidityDays   int
	KeyUsages      x509.KeyUsage
	ExtKeyUsages   []x509.ExtKeyUsage
	DNSNames       []string
	IPAddresses    []net.IP
	EmailAddresses []string
}

// IssuedCertificate is the result of IssueCertificate and SignCSR. KeyPEM is
// empty when the requester supplied its own key.
type IssuedCertificate struct {
	Certificate *x509.Certificate
	CertPEM     string
	KeyPEM      string
	Fingerprint string
}

// ---------------------------------------------------------------------------
// Certificate PEM parsing
// ---------------------------------------------------------------------------

// ParseCertificatePEM decodes a PEM certificate and returns a map of
// well-known field values extracted from the parsed x509 certificate.
func ParseCertificatePEM(certPEM string) (map[string]string, error) {
	certs, err := ParseCertificatesPEM(certPEM)
	if err != nil {
		return nil, err
	}
	cert := certs[0]

	m := map[string]string{
		FieldSubject:           cert.Subject.String(),
		FieldIssuer:            cert.Issuer.String(),
		FieldSerialNumber:      hex.EncodeToString(cert.SerialNumber.Bytes()),
		FieldNotBefore:         cert.NotBefore.UTC().Format(time.RFC3339),
		FieldNotAfter:          cert.NotAfter.UTC().Format(time.RFC3339),
		FieldFingerprintSHA256: Fingerprint(cert),
		FieldKeyAlgorithm:      keyAlgorithmString(cert),
		FieldStatus:            string(certStatus(cert, time.Now())),
		FieldIsCA:              fmt.Sprint(cert.IsCA),
	}
	return m, nil
}

// ParseCertificatesPEM decodes every CERTIFICATE block in data, in order.
// Other block types are skipped. At least one certificate is required.
func ParseCertificatesPEM(data string) ([]*x509.Certificate, error) {
	rest := []byte(data)
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrInvalidPEM
	}
	return certs, nil
}

// Fingerprint returns the lowercase hex SHA-256 of the certificate DER, the
// key under which the directory records certificates.
func Fingerprint(cert *x509.Certificate) string {
	return auth.Fingerprint(cert.Raw)
}

// EncodeCertPEM wraps DER bytes in a CERTIFICATE PEM block.
func EncodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// certStatus reports active or expired based on the validity window.
func certStatus(cert *x509.Certificate, now time.Time) auth.CertStatus {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return auth.StatusExpired
	}
	return auth.StatusActive
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// defaultKeyStore returns ks if non-nil, or a fresh SoftwareKeyStore.
func defaultKeyStore(ks KeyStore) KeyStore {
	if ks != nil {
		return ks
	}
	return NewSoftwareKeyStore()
}

// randomSerial returns a positive 128-bit serial number.
func randomSerial() (*big.Int, error) {
	b, err := util.RandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	b[0] &= 0x7f
	serial := new(big.Int).SetBytes(b)
	if serial.Sign() == 0 {
		serial.SetInt64(1)
	}
	return serial, nil
}

// caSigner loads the sealed key of a managed CA into ks. The caller deletes
// the returned key id once signing is done.
func caSigner(ctx context.Context, dir *directory.Store, ca *auth.CA, ks KeyStore) (crypto.Signer, string, error) {
	keyDER, err := dir.CAKey(ctx, ca.ID)
	if err != nil {
		return nil, "", fmt.Errorf("CA %q: %w: %v", ca.Name, ErrExternalCA, err)
	}
	defer util.WipeBytes(keyDER)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	defer util.WipeBytes(keyPEM)
	keyID, err := ks.ImportPEM(string(keyPEM))
	if err != nil {
		return nil, "", fmt.Errorf("importing CA key into keystore: %w", err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, "", err
	}
	return signer, keyID, nil
}

// managedCA resolves a CA by name and loads its signer. release drops the
// key from ks.
func managedCA(ctx context.Context, dir *directory.Store, name string, ks KeyStore) (ca *auth.CA, signer crypto.Signer, release func(), err error) {
	ca, err = dir.CA(ctx, name)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(ca.Chain) == 0 {
		return nil, nil, nil, fmt.Errorf("CA %q: empty certificate chain", name)
	}
	signer, keyID, err := caSigner(ctx, dir, ca, ks)
	if err != nil {
		return nil, nil, nil, err
	}
	return ca, signer, func() { _ = ks.Delete(keyID) }, nil
}

// ---------------------------------------------------------------------------
// CA Operations
// ---------------------------------------------------------------------------

// InitCA creates a managed root CA. It generates a keypair via the provided
// KeyStore (or a default SoftwareKeyStore when ks is nil), self-signs a CA
// certificate and stores the certificate and sealed key in the directory.
func InitCA(ctx context.Context, dir *directory.Store, name string, subject pkix.Name, validityYears int, ks KeyStore) (*auth.CA, error) {
	ks = defaultKeyStore(ks)
	if validityYears <= 0 {
		return nil, fmt.Errorf("validity must be positive, got %d years", validityYears)
	}

	keyID, err := ks.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	defer ks.Delete(keyID) //nolint:errcheck
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("getting CA signer: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(validityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyPEM, err := ks.ExportPEM(keyID)
	if err != nil {
		return nil, fmt.Errorf("exporting CA private key: %w", err)
	}
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("CA private key: %w", ErrInvalidPEM)
	}
	defer util.WipeBytes(block.Bytes)

	return dir.PutCA(ctx, name, []*x509.Certificate{cert}, block.Bytes)
}

// ImportCA registers an externally operated CA, typically a device vendor's
// manufacturing CA, from a PEM chain whose first certificate is the CA
// itself. No key is stored, so the CA can be trusted but never sign.
func ImportCA(ctx context.Context, dir *directory.Store, name, chainPEM string) (*auth.CA, error) {
	chain, err := ParseCertificatesPEM(chainPEM)
	if err != nil {
		return nil, err
	}
	if !chain[0].IsCA {
		return nil, fmt.Errorf("%s: %w", chain[0].Subject, ErrNotCA)
	}
	return dir.PutCA(ctx, name, chain, nil)
}

// IssueCertificate generates a new keypair via the provided KeyStore (or a
// default SoftwareKeyStore when ks is nil), creates a certificate signed by
// the named managed CA and records it as active for req.Username.
func IssueCertificate(ctx context.Context, dir *directory.Store, req IssueCertRequest, ks KeyStore) (*IssuedCertificate, error) {
	ks = defaultKeyStore(ks)

	keyID, err := ks.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating certificate key: %w", err)
	}
	defer ks.Delete(keyID) //nolint:errcheck
	leafSigner, err := ks.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("getting certificate signer: %w", err)
	}

	keyUsage := req.KeyUsages
	if keyUsage == 0 {
		keyUsage = x509.KeyUsageDigitalSignature
	}
	template := &x509.Certificate{
		Subject:        req.Subject,
		KeyUsage:       keyUsage,
		ExtKeyUsage:    req.ExtKeyUsages,
		DNSNames:       req.DNSNames,
		IPAddresses:    req.IPAddresses,
		EmailAddresses: req.EmailAddresses,
	}
	issued, err := issue(ctx, dir, req.CAName, req.Username, req.ValidityDays, template, leafSigner.Public(), ks)
	if err != nil {
		return nil, err
	}

	keyPEM, err := ks.ExportPEM(keyID)
	if err != nil {
		return nil, fmt.Errorf("exporting certificate key: %w", err)
	}
	issued.KeyPEM = keyPEM
	return issued, nil
}

// SignCSR signs an externally generated certificate signing request with the
// named managed CA and records the certificate for username. The requester
// keeps its own key.
func SignCSR(ctx context.Context, dir *directory.Store, caName, username, csrPEM string, validityDays int, extKeyUsages []x509.ExtKeyUsage, ks KeyStore) (*IssuedCertificate, error) {
	ks = defaultKeyStore(ks)

	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("CSR: %w", ErrInvalidPEM)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CSR: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature invalid: %w", err)
	}

	template := &x509.Certificate{
		Subject:        csr.Subject,
		KeyUsage:       x509.KeyUsageDigitalSignature,
		ExtKeyUsage:    extKeyUsages,
		DNSNames:       csr.DNSNames,
		IPAddresses:    csr.IPAddresses,
		EmailAddresses: csr.EmailAddresses,
	}
	return issue(ctx, dir, caName, username, validityDays, template, csr.PublicKey, ks)
}

// issue completes template, signs it with the managed CA and records the
// result in the directory.
func issue(ctx context.Context, dir *directory.Store, caName, username string, validityDays int, template *x509.Certificate, pub any, ks KeyStore) (*IssuedCertificate, error) {
	if username == "" {
		return nil, ErrMissingUsername
	}
	if validityDays <= 0 {
		return nil, fmt.Errorf("validity must be positive, got %d days", validityDays)
	}
	ca, signer, release, err := managedCA(ctx, dir, caName, ks)
	if err != nil {
		return nil, err
	}
	defer release()
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template.SerialNumber = serial
	template.NotBefore = now
	template.NotAfter = now.AddDate(0, 0, validityDays)
	template.BasicConstraintsValid = true

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Chain[0], pub, signer)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}
	fp, err := dir.PutCertificate(ctx, cert, username, ca.ID)
	if err != nil {
		return nil, fmt.Errorf("recording certificate: %w", err)
	}
	return &IssuedCertificate{
		Certificate: cert,
		CertPEM:     EncodeCertPEM(der),
		Fingerprint: fp,
	}, nil
}

// RevokeCertificate marks a recorded certificate revoked with an RFC 5280
// reason code. Revoked certificates no longer authenticate CMP requests.
func RevokeCertificate(ctx context.Context, dir *directory.Store, fingerprint string, reason int) error {
	if reason < ReasonUnspecified || reason > 10 || reason == 7 {
		return fmt.Errorf("invalid revocation reason %d", reason)
	}
	entry, err := dir.Certificate(ctx, fingerprint)
	if err != nil {
		return err
	}
	if entry.Status == auth.StatusRevoked {
		return ErrCertAlreadyRevoked
	}
	return dir.SetCertificateStatus(ctx, fingerprint, auth.StatusRevoked, reason)
}

// GenerateCRL creates a Certificate Revocation List for a managed CA from the
// revoked certificates recorded against it, signed with the CA key (via the
// provided KeyStore, or a default SoftwareKeyStore when ks is nil), and
// returns it PEM-encoded.
func GenerateCRL(ctx context.Context, dir *directory.Store, caName string, nextUpdate time.Duration, ks KeyStore) ([]byte, error) {
	ks = defaultKeyStore(ks)
	if nextUpdate <= 0 {
		nextUpdate = 7 * 24 * time.Hour
	}

	ca, signer, release, err := managedCA(ctx, dir, caName, ks)
	if err != nil {
		return nil, err
	}
	defer release()
	entries, err := dir.ListCertificates(ctx, "")
	if err != nil {
		return nil, err
	}

	var revoked []x509.RevocationListEntry
	for _, e := range entries {
		if e.CAID != ca.ID || e.Status != auth.StatusRevoked {
			continue
		}
		revokedAt := time.Now().UTC()
		if e.RevokedAt != nil {
			revokedAt = *e.RevokedAt
		}
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   e.Certificate.SerialNumber,
			RevocationTime: revokedAt,
			ReasonCode:     e.RevocationReason,
		})
	}

	// CRL numbers must increase; wall-clock seconds suffice without state.
	now := time.Now().UTC()
	template := &x509.RevocationList{
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(nextUpdate),
		RevokedCertificateEntries: revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, ca.Chain[0], signer)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

// CACertificatePEM returns the PEM chain of the named CA.
func CACertificatePEM(ctx context.Context, dir *directory.Store, name string) (string, error) {
	ca, err := dir.CA(ctx, name)
	if err != nil {
		return "", err
	}
	var out string
	for _, c := range ca.Chain {
		out += EncodeCertPEM(c.Raw)
	}
	return out, nil
}
