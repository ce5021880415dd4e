package directory

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/storage"
)

// AccessRule grants (or with Deny, withholds) a resource. A recursive rule
// also covers every resource below it.
type AccessRule struct {
	Resource  string `json:"resource"`
	Recursive bool   `json:"recursive,omitempty"`
	Deny      bool   `json:"deny,omitempty"`
}

func (r AccessRule) covers(resource string) bool {
	if r.Resource == resource {
		return true
	}
	if !r.Recursive {
		return false
	}
	prefix := strings.TrimSuffix(r.Resource, "/") + "/"
	return strings.HasPrefix(resource, prefix)
}

// Role binds principals to access rules.
type Role struct {
	Name    string           `json:"name"`
	Members []auth.Principal `json:"members"`
	Rules   []AccessRule     `json:"rules"`
}

// PutRole creates or replaces a role.
func (s *Store) PutRole(ctx context.Context, role Role) error {
	if role.Name == "" {
		return fmt.Errorf("role name must not be empty")
	}
	var existing Role
	version, err := s.getJSON(ctx, typeRole, role.Name, &existing)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	data, err := encodeRecord(role, version+1)
	if err != nil {
		return err
	}
	return s.repo.PutCAS(ctx, typeRole, role.Name, version, data)
}

// Grant adds member and rules to a role, creating it if needed. Duplicate
// members and rules are ignored.
func (s *Store) Grant(ctx context.Context, roleName string, member auth.Principal, rules ...AccessRule) error {
	role, err := s.Role(ctx, roleName)
	if errors.Is(err, storage.ErrNotFound) {
		role = Role{Name: roleName}
	} else if err != nil {
		return err
	}
	if member.ID != "" && !slices.Contains(role.Members, member) {
		role.Members = append(role.Members, member)
	}
	for _, r := range rules {
		if !slices.Contains(role.Rules, r) {
			role.Rules = append(role.Rules, r)
		}
	}
	return s.PutRole(ctx, role)
}

// Role returns a stored role.
func (s *Store) Role(ctx context.Context, name string) (Role, error) {
	var role Role
	if _, err := s.getJSON(ctx, typeRole, name, &role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns every role ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	names, err := s.repo.List(ctx, typeRole)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]Role, 0, len(names))
	for _, name := range names {
		role, err := s.Role(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}

// IsAuthorized implements auth.AccessControl. A principal holds a resource
// when some role it belongs to has a covering rule and no role it belongs
// to denies it. Storage errors deny.
func (s *Store) IsAuthorized(ctx context.Context, p auth.Principal, resource string) bool {
	roles, err := s.ListRoles(ctx)
	if err != nil {
		return false
	}
	allowed := false
	for _, role := range roles {
		if !slices.Contains(role.Members, p) {
			continue
		}
		for _, rule := range role.Rules {
			if !rule.covers(resource) {
				continue
			}
			if rule.Deny {
				return false
			}
			allowed = true
		}
	}
	return allowed
}

// Authenticate implements auth.IdentityProvider. Exactly one certificate is
// accepted and it must be recorded as active.
func (s *Store) Authenticate(ctx context.Context, credentials []*x509.Certificate) (auth.Principal, error) {
	if len(credentials) != 1 || credentials[0] == nil {
		return auth.Principal{}, fmt.Errorf("%w: expected one certificate, got %d", ErrInvalidCredentials, len(credentials))
	}
	cert := credentials[0]
	rec, err := s.RecordByFingerprint(ctx, auth.Fingerprint(cert.Raw))
	if err != nil {
		return auth.Principal{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if rec.Status != auth.StatusActive {
		return auth.Principal{}, fmt.Errorf("%w: certificate is %s", ErrInvalidCredentials, rec.Status)
	}
	return CertificatePrincipal(cert), nil
}

// CertificatePrincipal is the principal a certificate authenticates as.
func CertificatePrincipal(cert *x509.Certificate) auth.Principal {
	return auth.Principal{Kind: auth.PrincipalX509, ID: cert.Subject.String()}
}
