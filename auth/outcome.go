package auth

import "fmt"

// Reason classifies why a request was rejected.
type Reason string

const (
	ReasonConfigurationConflict          Reason = "ConfigurationConflict"
	ReasonMissingProtection              Reason = "MissingProtection"
	ReasonMissingCertificate             Reason = "MissingCertificate"
	ReasonCANotFound                     Reason = "CANotFound"
	ReasonAuthorizationDeniedLookingUpCA Reason = "AuthorizationDeniedLookingUpCA"
	ReasonWrongCA                        Reason = "WrongCA"
	ReasonVendorCANotMatched             Reason = "VendorCANotMatched"
	ReasonNotYetValidOrExpired           Reason = "NotYetValidOrExpired"
	ReasonUnknownCertificate             Reason = "UnknownCertificate"
	ReasonNotActive                      Reason = "NotActive"
	ReasonEndEntityProfileNotFound       Reason = "EndEntityProfileNotFound"
	ReasonNotAuthorizedForCA             Reason = "NotAuthorizedForCA"
	ReasonNotAuthorizedAdmin             Reason = "NotAuthorizedAdmin"
	ReasonUsernameExtractionFailed       Reason = "UsernameExtractionFailed"
	ReasonUsernameMismatch               Reason = "UsernameMismatch"
	ReasonSecretBindingFailed            Reason = "SecretBindingFailed"
	ReasonSignatureInvalid               Reason = "SignatureInvalid"
)

// Reasons lists every rejection reason.
var Reasons = []Reason{
	ReasonConfigurationConflict, ReasonMissingProtection, ReasonMissingCertificate,
	ReasonCANotFound, ReasonAuthorizationDeniedLookingUpCA, ReasonWrongCA,
	ReasonVendorCANotMatched, ReasonNotYetValidOrExpired, ReasonUnknownCertificate,
	ReasonNotActive, ReasonEndEntityProfileNotFound, ReasonNotAuthorizedForCA,
	ReasonNotAuthorizedAdmin, ReasonUsernameExtractionFailed, ReasonUsernameMismatch,
	ReasonSecretBindingFailed, ReasonSignatureInvalid,
}

// Rejection is a terminal refusal. Message is safe to return to the peer;
// Detail is for audit logs only and may name identities the peer must not
// learn.
type Rejection struct {
	Reason  Reason
	Message string
	Detail  string
	Cause   error
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return string(r.Reason)
	}
	return r.Message
}

func (r *Rejection) Unwrap() error { return r.Cause }

func reject(reason Reason, message string) *Rejection {
	return &Rejection{Reason: reason, Message: message}
}

func (r *Rejection) withDetail(format string, args ...any) *Rejection {
	r.Detail = fmt.Sprintf(format, args...)
	return r
}

func (r *Rejection) withCause(err error) *Rejection {
	r.Cause = err
	return r
}

// Outcome is the result of one evaluation: either a bound secret or a
// rejection, never both.
type Outcome struct {
	secret    string
	username  string
	mode      Mode
	rejection *Rejection
}

// Authenticated reports whether the request was accepted.
func (o Outcome) Authenticated() bool { return o.rejection == nil && o.secret != "" }

// Secret returns the bound one-time secret, or "" for a rejection.
func (o Outcome) Secret() string { return o.secret }

// Username returns the end-entity the secret was bound to, if any.
func (o Outcome) Username() string { return o.username }

// Mode returns the resolved operating mode. It is meaningful only once mode
// resolution succeeded.
func (o Outcome) Mode() Mode { return o.mode }

// Rejection returns the rejection, or nil when authenticated.
func (o Outcome) Rejection() *Rejection { return o.rejection }

// Err returns the rejection as an error, or nil.
func (o Outcome) Err() error {
	if o.rejection == nil {
		return nil
	}
	return o.rejection
}
