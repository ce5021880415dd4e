package auth

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"

	"github.com/jmcleod/cmpauth/cmp"
)

// claimedCert is the certificate a request presents as the sender's own.
type claimedCert struct {
	cert        *x509.Certificate
	fingerprint string
}

// Fingerprint returns the lower-case hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func checkProtection(msg *cmp.Message) *Rejection {
	if !msg.Protected() {
		return reject(ReasonMissingProtection, "message is not protected, no protection value was found")
	}
	return nil
}

func extractCertificate(msg *cmp.Message) (claimedCert, *Rejection) {
	cert, err := msg.FirstExtraCert()
	if err != nil {
		return claimedCert{}, reject(ReasonMissingCertificate,
			"error while reading the certificate in the extraCerts field").withCause(err)
	}
	return claimedCert{cert: cert, fingerprint: Fingerprint(cert.Raw)}, nil
}
