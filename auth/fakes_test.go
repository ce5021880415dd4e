package auth_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/cmp"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Collaborator fakes
// ---------------------------------------------------------------------------

type fakeAliases map[string]auth.AliasConfig

func (f fakeAliases) Alias(name string) (auth.AliasConfig, bool) {
	cfg, ok := f[name]
	return cfg, ok
}

type fakeCAs struct {
	byName map[string]*auth.CA
	denied map[string]bool
	calls  []string
}

func (f *fakeCAs) CAByID(_ context.Context, _ auth.Principal, id int32) (*auth.CA, error) {
	f.calls = append(f.calls, fmt.Sprintf("id:%d", id))
	for _, ca := range f.byName {
		if ca.ID == id {
			if f.denied[ca.Name] {
				return nil, auth.ErrAuthorizationDenied
			}
			return ca, nil
		}
	}
	return nil, fmt.Errorf("CA %d: %w", id, auth.ErrCANotFound)
}

func (f *fakeCAs) CAByName(_ context.Context, _ auth.Principal, name string) (*auth.CA, error) {
	f.calls = append(f.calls, "name:"+name)
	if f.denied[name] {
		return nil, fmt.Errorf("CA %q: %w", name, auth.ErrAuthorizationDenied)
	}
	ca, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("CA %q: %w", name, auth.ErrCANotFound)
	}
	return ca, nil
}

type fakeCerts struct {
	records map[string]*auth.CertificateRecord
	lookups int
}

func (f *fakeCerts) RecordByFingerprint(_ context.Context, fp string) (*auth.CertificateRecord, error) {
	f.lookups++
	rec, ok := f.records[fp]
	if !ok {
		return nil, auth.ErrCertificateNotFound
	}
	return rec, nil
}

type fakeDirectory struct {
	mu        sync.Mutex
	entities  map[string]*auth.EndEntity
	updates   int
	updateErr error
}

func (f *fakeDirectory) FindByUsername(_ context.Context, _ auth.Principal, username string) (*auth.EndEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ee, ok := f.entities[username]
	if !ok {
		return nil, fmt.Errorf("%s: %w", username, auth.ErrEndEntityNotFound)
	}
	cp := *ee
	return &cp, nil
}

func (f *fakeDirectory) UpdateSecret(_ context.Context, _ auth.Principal, ee *auth.EndEntity, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates++
	f.entities[ee.Username].Secret = secret
	return nil
}

type fakeAccess struct {
	grants map[auth.Principal]map[string]bool
}

func (f *fakeAccess) grant(p auth.Principal, resources ...string) {
	if f.grants[p] == nil {
		f.grants[p] = map[string]bool{}
	}
	for _, r := range resources {
		f.grants[p][r] = true
	}
}

func (f *fakeAccess) revoke(p auth.Principal, resource string) {
	delete(f.grants[p], resource)
}

func (f *fakeAccess) IsAuthorized(_ context.Context, p auth.Principal, resource string) bool {
	return f.grants[p][resource]
}

type fakeIdentities struct{ err error }

func (f *fakeIdentities) Authenticate(_ context.Context, creds []*x509.Certificate) (auth.Principal, error) {
	if f.err != nil {
		return auth.Principal{}, f.err
	}
	return auth.Principal{Kind: auth.PrincipalX509, ID: creds[0].Subject.String()}, nil
}

type fakeProfiles map[string]int

func (f fakeProfiles) ProfileID(_ context.Context, name string) (int, error) {
	id, ok := f[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, auth.ErrProfileNotFound)
	}
	return id, nil
}

type countingSecrets struct {
	mu sync.Mutex
	n  int
}

func (c *countingSecrets) Generate(length int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return fmt.Sprintf("%0*d", length, c.n), nil
}

// ---------------------------------------------------------------------------
// Certificate fixtures
// ---------------------------------------------------------------------------

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	ca   *auth.CA
}

var serial int64 = 100

func nextSerial() *big.Int {
	serial++
	return big.NewInt(serial)
}

func newTestCA(t *testing.T, name string, subject pkix.Name) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               subject,
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{
		cert: cert,
		key:  key,
		ca: &auth.CA{
			ID:        auth.CAIDFromDN(cert.Subject.String()),
			Name:      name,
			SubjectDN: cert.Subject.String(),
			Chain:     []*x509.Certificate{cert},
		},
	}
}

func (c *testCA) issue(t *testing.T, subject pkix.Name, notBefore, notAfter time.Time) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: nextSerial(),
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.cert, &key.PublicKey, c.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func signedMessage(t *testing.T, cert *x509.Certificate, key *ecdsa.PrivateKey, bt cmp.BodyType, username string) *cmp.Message {
	t.Helper()
	msg := &cmp.Message{
		Header: cmp.Header{
			PVNO:          2,
			Sender:        cert.Subject.String(),
			Recipient:     "CN=Management CA",
			TransactionID: []byte("tx-1"),
		},
		BodyType:   bt,
		Body:       []byte{0x30, 0x00},
		ExtraCerts: [][]byte{cert.Raw},
		Username:   username,
	}
	require.NoError(t, cmp.Sign(msg, key, cmp.OIDECDSAWithSHA256))
	return msg
}
