package auth

import (
	"context"
	"crypto/x509"
	"time"
)

func checkTemporalValidity(cert *x509.Certificate, now time.Time) *Rejection {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return reject(ReasonNotYetValidOrExpired, "the certificate in the extraCerts field is not valid").
			withDetail("subject %q valid from %s to %s", cert.Subject.String(),
				cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

func (e *Engine) lookupRecord(ctx context.Context, fingerprint string) (*CertificateRecord, *Rejection) {
	rec, err := e.certs.RecordByFingerprint(ctx, fingerprint)
	if err != nil || rec == nil {
		r := reject(ReasonUnknownCertificate, "the certificate in the extraCerts field could not be found in the database").
			withDetail("fingerprint %s", fingerprint)
		return nil, r.withCause(err)
	}
	return rec, nil
}

func checkActive(rec *CertificateRecord) *Rejection {
	if rec.Status != StatusActive {
		return reject(ReasonNotActive, "the certificate in the extraCerts field is not active").
			withDetail("username %q status %s", rec.Username, rec.Status)
	}
	return nil
}
