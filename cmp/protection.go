package cmp

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Signature protection algorithm identifiers accepted in Header.ProtectionAlg.
const (
	OIDSHA256WithRSA   = "1.2.840.113549.1.1.11"
	OIDSHA384WithRSA   = "1.2.840.113549.1.1.12"
	OIDSHA512WithRSA   = "1.2.840.113549.1.1.13"
	OIDECDSAWithSHA256 = "1.2.840.10045.4.3.2"
	OIDECDSAWithSHA384 = "1.2.840.10045.4.3.3"
	OIDECDSAWithSHA512 = "1.2.840.10045.4.3.4"
	OIDEd25519         = "1.3.101.112"
)

var protectionAlgorithms = map[string]x509.SignatureAlgorithm{
	OIDSHA256WithRSA:   x509.SHA256WithRSA,
	OIDSHA384WithRSA:   x509.SHA384WithRSA,
	OIDSHA512WithRSA:   x509.SHA512WithRSA,
	OIDECDSAWithSHA256: x509.ECDSAWithSHA256,
	OIDECDSAWithSHA384: x509.ECDSAWithSHA384,
	OIDECDSAWithSHA512: x509.ECDSAWithSHA512,
	OIDEd25519:         x509.PureEd25519,
}

// SignatureAlgorithm maps a protection algorithm OID to the x509 algorithm.
func SignatureAlgorithm(oid string) (x509.SignatureAlgorithm, error) {
	alg, ok := protectionAlgorithms[oid]
	if !ok {
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, oid)
	}
	return alg, nil
}

// DefaultAlgorithm picks a protection algorithm suited to the public key.
func DefaultAlgorithm(pub crypto.PublicKey) (string, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return OIDSHA256WithRSA, nil
	case *ecdsa.PublicKey:
		return OIDECDSAWithSHA256, nil
	case ed25519.PublicKey:
		return OIDEd25519, nil
	default:
		return "", fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, pub)
	}
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Marshal returns the DER encoding of the header fields:
//
//	Header ::= SEQUENCE {
//	    pvno          INTEGER,
//	    sender        UTF8String,
//	    recipient     UTF8String,
//	    protectionAlg [1] EXPLICIT OBJECT IDENTIFIER OPTIONAL,
//	    senderKID     [2] EXPLICIT OCTET STRING OPTIONAL,
//	    transactionID [4] EXPLICIT OCTET STRING OPTIONAL,
//	    senderNonce   [5] EXPLICIT OCTET STRING OPTIONAL }
func (h *Header) Marshal() ([]byte, error) {
	var oid asn1.ObjectIdentifier
	if h.ProtectionAlg != "" {
		var err error
		if oid, err = parseOID(h.ProtectionAlg); err != nil {
			return nil, err
		}
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(h.PVNO))
		b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) { b.AddBytes([]byte(h.Sender)) })
		b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) { b.AddBytes([]byte(h.Recipient)) })
		if oid != nil {
			b.AddASN1(cbasn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oid)
			})
		}
		addOptionalOctets(b, 2, h.SenderKID)
		addOptionalOctets(b, 4, h.TransactionID)
		addOptionalOctets(b, 5, h.SenderNonce)
	})
	return b.Bytes()
}

func addOptionalOctets(b *cryptobyte.Builder, tag uint8, v []byte) {
	if len(v) == 0 {
		return
	}
	b.AddASN1(cbasn1.Tag(tag).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
		b.AddASN1OctetString(v)
	})
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: malformed OID %q", ErrUnsupportedAlgorithm, s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: malformed OID %q", ErrUnsupportedAlgorithm, s)
		}
		oid[i] = n
	}
	return oid, nil
}

// ProtectedPart returns the bytes covered by the message protection:
//
//	ProtectedPart ::= SEQUENCE { header PKIHeader, body PKIBody }
//
// The body is wrapped in its [bodyType] EXPLICIT choice tag so the body type
// is covered as well. Header.Raw is used verbatim when present.
func ProtectedPart(m *Message) ([]byte, error) {
	header := m.Header.Raw
	if len(header) == 0 {
		var err error
		if header, err = m.Header.Marshal(); err != nil {
			return nil, fmt.Errorf("encoding header: %w", err)
		}
	}
	if !m.BodyType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBodyType, int(m.BodyType))
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(header)
		b.AddASN1(cbasn1.Tag(uint8(m.BodyType)).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
			b.AddBytes(m.Body)
		})
	})
	return b.Bytes()
}

// ---------------------------------------------------------------------------
// Signing and verification
// ---------------------------------------------------------------------------

// Sign protects m with signer. It sets Header.ProtectionAlg, re-encodes
// Header.Raw and stores the signature in m.Protection.
func Sign(m *Message, signer crypto.Signer, algOID string) error {
	alg, err := SignatureAlgorithm(algOID)
	if err != nil {
		return err
	}
	if !keyMatches(alg, signer.Public()) {
		return fmt.Errorf("%w: %s with %T", ErrKeyMismatch, alg, signer.Public())
	}

	m.Header.ProtectionAlg = algOID
	if m.Header.Raw, err = m.Header.Marshal(); err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	protected, err := ProtectedPart(m)
	if err != nil {
		return err
	}

	hash := hashFor(alg)
	digest := protected
	if hash != 0 {
		h := hash.New()
		h.Write(protected)
		digest = h.Sum(nil)
	}
	sig, err := signer.Sign(rand.Reader, digest, hash)
	if err != nil {
		return fmt.Errorf("signing protected part: %w", err)
	}
	m.Protection = sig
	return nil
}

// VerifyProtection checks m.Protection against the protected part using the
// algorithm named in the header and the public key of cert.
func VerifyProtection(m *Message, cert *x509.Certificate) error {
	if !m.Protected() {
		return ErrNoProtection
	}
	alg, err := SignatureAlgorithm(m.Header.ProtectionAlg)
	if err != nil {
		return err
	}
	if len(m.Header.Raw) > 0 {
		// The decoded fields must be exactly the signed ones.
		fields, err := m.Header.Marshal()
		if err != nil {
			return err
		}
		if !bytes.Equal(fields, m.Header.Raw) {
			return ErrHeaderMismatch
		}
	}
	protected, err := ProtectedPart(m)
	if err != nil {
		return err
	}
	if err := cert.CheckSignature(alg, protected, m.Protection); err != nil {
		return fmt.Errorf("verifying protection: %w", err)
	}
	return nil
}

func hashFor(alg x509.SignatureAlgorithm) crypto.Hash {
	switch alg {
	case x509.SHA256WithRSA, x509.ECDSAWithSHA256:
		return crypto.SHA256
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384:
		return crypto.SHA384
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

func keyMatches(alg x509.SignatureAlgorithm, pub crypto.PublicKey) bool {
	switch pub.(type) {
	case *rsa.PublicKey:
		return alg == x509.SHA256WithRSA || alg == x509.SHA384WithRSA || alg == x509.SHA512WithRSA
	case *ecdsa.PublicKey:
		return alg == x509.ECDSAWithSHA256 || alg == x509.ECDSAWithSHA384 || alg == x509.ECDSAWithSHA512
	case ed25519.PublicKey:
		return alg == x509.PureEd25519
	}
	return false
}
