package auth

import (
	"context"

	"github.com/jmcleod/cmpauth/cmp"
)

// verifySignature is the last step of every evaluation. A secret bound by an
// earlier step is kept; otherwise a fresh one is generated.
func (e *Engine) verifySignature(ctx context.Context, msg *cmp.Message, claimed claimedCert, secret string) (string, *Rejection) {
	if err := cmp.VerifyProtection(msg, claimed.cert); err != nil {
		return "", reject(ReasonSignatureInvalid, "failed to verify the signature of the message").withCause(err)
	}
	if secret != "" {
		return secret, nil
	}
	secret, err := e.secrets.Generate(SecretLength)
	if err != nil {
		return "", reject(ReasonSecretBindingFailed, "could not generate a secret").withCause(err)
	}
	e.logger.DebugContext(ctx, "generated secret after signature verification")
	return secret, nil
}
