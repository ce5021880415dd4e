package auth

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

// resolveCA looks a CA up by name, or by the id derived from an issuer DN
// when byIssuerHash is set.
func (e *Engine) resolveCA(ctx context.Context, admin Principal, ref string, byIssuerHash bool) (*CA, *Rejection) {
	var (
		ca  *CA
		err error
	)
	if byIssuerHash {
		ca, err = e.cas.CAByID(ctx, admin, CAIDFromDN(ref))
	} else {
		ca, err = e.cas.CAByName(ctx, admin, ref)
	}
	switch {
	case errors.Is(err, ErrAuthorizationDenied):
		return nil, reject(ReasonAuthorizationDeniedLookingUpCA,
			fmt.Sprintf("not authorized to CA %q", ref)).withCause(err)
	case err != nil:
		return nil, reject(ReasonCANotFound, fmt.Sprintf("CA %q does not exist", ref)).withCause(err)
	case ca == nil:
		return nil, reject(ReasonCANotFound, fmt.Sprintf("CA %q does not exist", ref))
	}
	return ca, nil
}

// verifyIssuedBy checks the certificate signature against the public key of
// the head of the CA chain.
func verifyIssuedBy(cert *x509.Certificate, ca *CA) *Rejection {
	if len(ca.Chain) == 0 || ca.Chain[0] == nil {
		return reject(ReasonWrongCA, "the certificate is issued by the wrong CA").
			withDetail("CA %q has no certificate chain", ca.Name)
	}
	if err := ca.Chain[0].CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return reject(ReasonWrongCA, "the certificate is issued by the wrong CA").
			withDetail("certificate is not issued by CA %q: %v", ca.Name, err)
	}
	return nil
}

// matchVendorCA tries the configured vendor CAs in order and returns the
// first that issued cert.
func (e *Engine) matchVendorCA(ctx context.Context, admin Principal, vendorCAs []string, cert *x509.Certificate) (*CA, *Rejection) {
	for _, name := range vendorCAs {
		ca, rej := e.resolveCA(ctx, admin, name, false)
		if rej != nil {
			e.logger.DebugContext(ctx, "vendor CA lookup failed", "ca", name, "reason", rej.Reason)
			continue
		}
		if rej := verifyIssuedBy(cert, ca); rej != nil {
			e.logger.DebugContext(ctx, "certificate not issued by vendor CA", "ca", name)
			continue
		}
		e.logger.DebugContext(ctx, "certificate issued by vendor CA", "ca", name)
		return ca, nil
	}
	return nil, reject(ReasonVendorCANotMatched,
		"the certificate is not issued by any of the configured vendor CAs").
		withDetail("vendor CAs tried: %s", strings.Join(vendorCAs, ";"))
}
