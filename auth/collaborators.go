package auth

import (
	"context"
	"crypto/x509"
	"errors"
)

// Sentinel errors collaborators wrap to signal well-known conditions. The
// engine maps each of them to a Reason at the call site.
var (
	ErrCANotFound          = errors.New("CA not found")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrEndEntityNotFound   = errors.New("end entity not found")
	ErrProfileNotFound     = errors.New("end entity profile not found")
	ErrProfileViolation    = errors.New("end entity does not fulfil profile")
	ErrWaitingForApproval  = errors.New("waiting for approval")
)

// PrincipalKind distinguishes the origin of a Principal.
type PrincipalKind string

const (
	PrincipalOperator PrincipalKind = "operator"
	PrincipalX509     PrincipalKind = "x509"
)

// Principal is an authenticated identity used for access-control decisions.
// It is a value type and never mutated after creation.
type Principal struct {
	Kind PrincipalKind
	ID   string
}

func (p Principal) String() string { return string(p.Kind) + ":" + p.ID }

// CA is a certificate authority known to the system.
type CA struct {
	ID        int32
	Name      string
	SubjectDN string
	// Chain starts with the CA's own certificate.
	Chain []*x509.Certificate
}

// CertStatus is the store-side status of an issued certificate.
type CertStatus string

const (
	StatusActive    CertStatus = "active"
	StatusRevoked   CertStatus = "revoked"
	StatusExpired   CertStatus = "expired"
	StatusSuspended CertStatus = "suspended"
)

// CertificateRecord is what the certificate store knows about an issued
// certificate.
type CertificateRecord struct {
	Fingerprint string
	Username    string
	Status      CertStatus
	IssuerDN    string
	CAID        int32
}

// EndEntity is a user known to the end-entity directory. An empty Secret
// means none is stored.
type EndEntity struct {
	Username  string
	ProfileID int
	CAID      int32
	Secret    string
}

// ---------------------------------------------------------------------------
// Consumed contracts
// ---------------------------------------------------------------------------

// CALookup resolves CAs on behalf of an operator. Implementations return
// errors wrapping ErrCANotFound or ErrAuthorizationDenied.
type CALookup interface {
	CAByID(ctx context.Context, admin Principal, id int32) (*CA, error)
	CAByName(ctx context.Context, admin Principal, name string) (*CA, error)
}

// CertificateStore looks up issued certificates by SHA-256 fingerprint.
type CertificateStore interface {
	RecordByFingerprint(ctx context.Context, fingerprint string) (*CertificateRecord, error)
}

// EndEntityDirectory reads end entities and persists their secrets.
// UpdateSecret failures wrap ErrAuthorizationDenied, ErrEndEntityNotFound,
// ErrProfileViolation or ErrWaitingForApproval where applicable.
type EndEntityDirectory interface {
	FindByUsername(ctx context.Context, admin Principal, username string) (*EndEntity, error)
	UpdateSecret(ctx context.Context, admin Principal, ee *EndEntity, secret string) error
}

// AccessControl answers whether a principal holds a resource. It has no side
// effects.
type AccessControl interface {
	IsAuthorized(ctx context.Context, p Principal, resource string) bool
}

// IdentityProvider turns presented certificates into a Principal.
type IdentityProvider interface {
	Authenticate(ctx context.Context, credentials []*x509.Certificate) (Principal, error)
}

// ProfileDirectory resolves end-entity profile names.
type ProfileDirectory interface {
	ProfileID(ctx context.Context, name string) (int, error)
}

// SecretGenerator produces printable random secrets of the given length.
type SecretGenerator interface {
	Generate(length int) (string, error)
}

// AliasSource returns the configuration of a named alias.
type AliasSource interface {
	Alias(name string) (AliasConfig, bool)
}
