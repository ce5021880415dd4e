package auth

import (
	"context"
	"crypto/x509"
	"fmt"
)

// SecretLength is the length of generated one-time secrets.
const SecretLength = 12

func usernameFromSubject(cert *x509.Certificate, component string) (string, *Rejection) {
	subject := cert.Subject.String()
	name, ok := DNComponent(subject, component)
	if !ok {
		return "", reject(ReasonUsernameExtractionFailed,
			fmt.Sprintf("could not extract a username from the %q part of the certificate subject", component)).
			withDetail("subject %q", subject)
	}
	return name, nil
}

// bindSecret ties the request to the end entity named username and returns
// its stored secret, generating and persisting one only if none is stored.
func (e *Engine) bindSecret(ctx context.Context, admin Principal, claimed, username string) (string, *Rejection) {
	if claimed != "" && claimed != username {
		return "", reject(ReasonUsernameMismatch,
			fmt.Sprintf("the certificate in the extraCerts field does not belong to user %q", claimed)).
			withDetail("certificate belongs to user %q", username)
	}

	ee, err := e.endEntities.FindByUsername(ctx, admin, username)
	if err != nil || ee == nil {
		r := reject(ReasonSecretBindingFailed, fmt.Sprintf("could not look up end entity %q", username))
		if err == nil {
			err = fmt.Errorf("%s: %w", username, ErrEndEntityNotFound)
		}
		return "", r.withCause(err)
	}
	if ee.Secret != "" {
		e.logger.DebugContext(ctx, "reusing stored secret", "username", username)
		return ee.Secret, nil
	}

	secret, err := e.secrets.Generate(SecretLength)
	if err != nil {
		return "", reject(ReasonSecretBindingFailed, "could not generate a secret").withCause(err)
	}
	if err := e.endEntities.UpdateSecret(ctx, admin, ee, secret); err != nil {
		return "", reject(ReasonSecretBindingFailed, "could not store a secret for the end entity").
			withDetail("username %q", username).withCause(err)
	}
	e.logger.DebugContext(ctx, "generated and stored secret", "username", username)
	return secret, nil
}
