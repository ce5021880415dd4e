package auth_test

import (
	"crypto/ecdsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var operator = auth.Principal{Kind: auth.PrincipalOperator, ID: "cmp"}

const (
	raProfileID = 7

	aliasClient     = "client"
	aliasVendor     = "vendor"
	aliasRA         = "ra"
	aliasRAPre      = "ra-pre"
	aliasConflict   = "conflict"
	aliasOmitClient = "omit-client"
)

type env struct {
	t   *testing.T
	now time.Time

	managed *testCA
	other   *testCA
	vendor  *testCA

	aliases  fakeAliases
	cas      *fakeCAs
	certs    *fakeCerts
	dir      *fakeDirectory
	access   *fakeAccess
	ids      *fakeIdentities
	profiles fakeProfiles
	secrets  *countingSecrets
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:   t,
		now: time.Now(),
		aliases: fakeAliases{
			aliasClient: {},
			aliasVendor: {
				VendorMode:               true,
				VendorCAs:                []string{"OtherCA", "VendorCA"},
				ExtractUsernameComponent: "CN",
			},
			aliasRA: {
				RAMode:             true,
				RACAName:           "ManagementCA",
				RAEndEntityProfile: "RAProfile",
			},
			aliasRAPre: {
				RAMode:             true,
				OmitVerifications:  true,
				RACAName:           "ManagementCA",
				RAEndEntityProfile: "RAProfile",
			},
			aliasConflict:   {RAMode: true, VendorMode: true},
			aliasOmitClient: {OmitVerifications: true},
		},
		certs:    &fakeCerts{records: map[string]*auth.CertificateRecord{}},
		dir:      &fakeDirectory{entities: map[string]*auth.EndEntity{}},
		access:   &fakeAccess{grants: map[auth.Principal]map[string]bool{}},
		ids:      &fakeIdentities{},
		profiles: fakeProfiles{"EMPTY": auth.EmptyEndEntityProfile, "RAProfile": raProfileID},
		secrets:  &countingSecrets{},
	}
	e.managed = newTestCA(t, "ManagementCA", pkix.Name{CommonName: "Management CA", Organization: []string{"Org"}})
	e.other = newTestCA(t, "OtherCA", pkix.Name{CommonName: "Other CA"})
	e.vendor = newTestCA(t, "VendorCA", pkix.Name{CommonName: "Vendor CA"})
	e.cas = &fakeCAs{
		byName: map[string]*auth.CA{
			"ManagementCA": e.managed.ca,
			"OtherCA":      e.other.ca,
			"VendorCA":     e.vendor.ca,
		},
		denied: map[string]bool{},
	}
	e.dir.entities["alice"] = &auth.EndEntity{Username: "alice", ProfileID: raProfileID, CAID: e.managed.ca.ID}
	return e
}

func (e *env) engine() *auth.Engine {
	e.t.Helper()
	eng, err := auth.New(auth.Collaborators{
		Aliases:      e.aliases,
		CAs:          e.cas,
		Certificates: e.certs,
		EndEntities:  e.dir,
		Access:       e.access,
		Identities:   e.ids,
		Profiles:     e.profiles,
		Secrets:      e.secrets,
	},
		auth.WithLogger(slog.New(slog.DiscardHandler)),
		auth.WithClock(func() time.Time { return e.now }),
	)
	require.NoError(e.t, err)
	return eng
}

func (e *env) evaluate(msg *cmp.Message, alias string, preAuthenticated bool) auth.Outcome {
	return e.engine().Evaluate(e.t.Context(), auth.Request{
		Message:          msg,
		Admin:            operator,
		Alias:            alias,
		PreAuthenticated: preAuthenticated,
	})
}

// enroll issues a certificate from the management CA and records it with
// the given status.
func (e *env) enroll(username string, status auth.CertStatus) (*x509.Certificate, *ecdsa.PrivateKey) {
	e.t.Helper()
	cert, key := e.managed.issue(e.t, pkix.Name{CommonName: username, Organization: []string{"Org"}},
		e.now.Add(-time.Hour), e.now.Add(24*time.Hour))
	e.certs.records[auth.Fingerprint(cert.Raw)] = &auth.CertificateRecord{
		Fingerprint: auth.Fingerprint(cert.Raw),
		Username:    username,
		Status:      status,
		IssuerDN:    cert.Issuer.String(),
		CAID:        e.managed.ca.ID,
	}
	return cert, key
}

// raAdmin enrolls an RA administrator holding every right the RA path checks.
func (e *env) raAdmin() (*x509.Certificate, *ecdsa.PrivateKey, auth.Principal) {
	e.t.Helper()
	cert, key := e.enroll("ra-admin", auth.StatusActive)
	token := auth.Principal{Kind: auth.PrincipalX509, ID: cert.Subject.String()}
	e.access.grant(operator, auth.CAAccessResource(e.managed.ca.ID))
	e.access.grant(token,
		auth.ProfileResource(raProfileID, auth.RightCreate),
		auth.ProfileResource(raProfileID, auth.RightEdit),
		auth.ProfileResource(raProfileID, auth.RightRevoke),
		auth.ResourceRAFunctionality+auth.RightCreate,
		auth.ResourceRAFunctionality+auth.RightEdit,
		auth.ResourceRAFunctionality+auth.RightRevoke,
		auth.ResourceCreateCertificate,
	)
	return cert, key, token
}

func resign(t *testing.T, msg *cmp.Message, key *ecdsa.PrivateKey) {
	t.Helper()
	msg.Header.Raw = nil
	require.NoError(t, cmp.Sign(msg, key, cmp.OIDECDSAWithSHA256))
}

func flipBit(msg *cmp.Message) *cmp.Message {
	cp := *msg
	cp.Protection = append([]byte(nil), msg.Protection...)
	cp.Protection[len(cp.Protection)-1] ^= 0x01
	return &cp
}

func requireRejected(t *testing.T, out auth.Outcome, reason auth.Reason) *auth.Rejection {
	t.Helper()
	require.False(t, out.Authenticated(), "expected rejection %s", reason)
	rej := out.Rejection()
	require.NotNil(t, rej)
	require.Equal(t, reason, rej.Reason, "message=%q detail=%q cause=%v", rej.Message, rej.Detail, rej.Cause)
	assert.Empty(t, out.Secret())
	return rej
}

func requireAuthenticated(t *testing.T, out auth.Outcome) {
	t.Helper()
	if rej := out.Rejection(); rej != nil {
		t.Fatalf("unexpected rejection %s: %s (%s) %v", rej.Reason, rej.Message, rej.Detail, rej.Cause)
	}
	require.True(t, out.Authenticated())
	require.NoError(t, out.Err())
	require.Len(t, out.Secret(), auth.SecretLength)
}

// ---------------------------------------------------------------------------
// Protection and configuration
// ---------------------------------------------------------------------------

func TestEvaluate_MissingProtectionInEveryMode(t *testing.T) {
	e := newEnv(t)
	cert, _ := e.enroll("alice", auth.StatusActive)

	for _, alias := range []string{aliasClient, aliasVendor, aliasRA, aliasRAPre, aliasConflict, aliasOmitClient, "unknown"} {
		for _, extra := range [][][]byte{nil, {cert.Raw}, {{0x01, 0x02}}} {
			for _, preAuth := range []bool{false, true} {
				msg := &cmp.Message{BodyType: cmp.BodyIR, ExtraCerts: extra}
				out := e.evaluate(msg, alias, preAuth)
				requireRejected(t, out, auth.ReasonMissingProtection)
			}
		}
	}

	out := e.engine().Evaluate(t.Context(), auth.Request{Alias: aliasClient})
	requireRejected(t, out, auth.ReasonMissingProtection)
}

func TestEvaluate_RAAndVendorConflictBeforeCertificateInspection(t *testing.T) {
	e := newEnv(t)
	msg := &cmp.Message{
		BodyType:   cmp.BodyIR,
		Protection: []byte{0x01},
		ExtraCerts: [][]byte{{0xde, 0xad, 0xbe, 0xef}},
	}
	for _, bt := range []cmp.BodyType{cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR, cmp.BodyRR} {
		msg.BodyType = bt
		for _, preAuth := range []bool{false, true} {
			requireRejected(t, e.evaluate(msg, aliasConflict, preAuth), auth.ReasonConfigurationConflict)
		}
	}
	assert.Empty(t, e.cas.calls)
	assert.Zero(t, e.certs.lookups)
}

func TestEvaluate_OmitVerificationsRequiresPreAuthenticatedRA(t *testing.T) {
	e := newEnv(t)
	cert, key := e.enroll("alice", auth.StatusActive)
	msg := signedMessage(t, cert, key, cmp.BodyIR, "")

	requireRejected(t, e.evaluate(msg, aliasOmitClient, false), auth.ReasonConfigurationConflict)
	requireRejected(t, e.evaluate(msg, aliasOmitClient, true), auth.ReasonConfigurationConflict)
	requireRejected(t, e.evaluate(msg, aliasRAPre, false), auth.ReasonConfigurationConflict)
}

func TestEvaluate_UnknownAlias(t *testing.T) {
	e := newEnv(t)
	cert, key := e.enroll("alice", auth.StatusActive)
	rej := requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), "nope", false),
		auth.ReasonConfigurationConflict)
	assert.Contains(t, rej.Detail, "nope")
}

func TestEvaluate_MissingCertificate(t *testing.T) {
	e := newEnv(t)
	cert, key := e.enroll("alice", auth.StatusActive)

	msg := signedMessage(t, cert, key, cmp.BodyIR, "")
	msg.ExtraCerts = nil
	requireRejected(t, e.evaluate(msg, aliasClient, false), auth.ReasonMissingCertificate)

	// Only the first entry is considered.
	msg.ExtraCerts = [][]byte{{0x30, 0x01}, cert.Raw}
	requireRejected(t, e.evaluate(msg, aliasClient, false), auth.ReasonMissingCertificate)
}

// ---------------------------------------------------------------------------
// Signature verification
// ---------------------------------------------------------------------------

func TestEvaluate_FlippedProtectionBitIsRejectedOnEveryPath(t *testing.T) {
	e := newEnv(t)
	e.dir.entities["Vendor Device"] = &auth.EndEntity{Username: "Vendor Device", ProfileID: raProfileID}

	clientCert, clientKey := e.enroll("alice", auth.StatusActive)
	raCert, raKey, _ := e.raAdmin()
	vendorCert, vendorKey := e.vendor.issue(t, pkix.Name{CommonName: "Vendor Device"},
		e.now.Add(-time.Hour), e.now.Add(time.Hour))

	tests := []struct {
		name    string
		alias   string
		preAuth bool
		msg     *cmp.Message
	}{
		{"client", aliasClient, false, signedMessage(t, clientCert, clientKey, cmp.BodyCR, "alice")},
		{"vendor", aliasVendor, false, signedMessage(t, vendorCert, vendorKey, cmp.BodyIR, "")},
		{"ra", aliasRA, false, signedMessage(t, raCert, raKey, cmp.BodyIR, "")},
		{"ra-preauthenticated", aliasRAPre, true, signedMessage(t, raCert, raKey, cmp.BodyIR, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireAuthenticated(t, e.evaluate(tt.msg, tt.alias, tt.preAuth))
			requireRejected(t, e.evaluate(flipBit(tt.msg), tt.alias, tt.preAuth), auth.ReasonSignatureInvalid)
		})
	}
}

func TestEvaluate_UnsupportedProtectionAlgorithm(t *testing.T) {
	e := newEnv(t)
	cert, key := e.enroll("alice", auth.StatusActive)
	msg := signedMessage(t, cert, key, cmp.BodyIR, "")
	msg.Header.ProtectionAlg = "1.2.840.113549.1.1.5"

	rej := requireRejected(t, e.evaluate(msg, aliasClient, false), auth.ReasonSignatureInvalid)
	assert.ErrorIs(t, rej, cmp.ErrUnsupportedAlgorithm)
}

// ---------------------------------------------------------------------------
// Client-direct path
// ---------------------------------------------------------------------------

func TestEvaluate_ClientSecretGeneratedOnceThenReused(t *testing.T) {
	e := newEnv(t)
	cert, key := e.enroll("alice", auth.StatusActive)
	msg := signedMessage(t, cert, key, cmp.BodyCR, "alice")

	first := e.evaluate(msg, aliasClient, false)
	requireAuthenticated(t, first)
	assert.Equal(t, "alice", first.Username())
	assert.Equal(t, auth.ModeClientDirect, first.Mode())
	assert.Equal(t, 1, e.dir.updates)
	assert.Equal(t, 1, e.secrets.n)
	assert.Equal(t, first.Secret(), e.dir.entities["alice"].Secret)

	second := e.evaluate(signedMessage(t, cert, key, cmp.BodyCR, "alice"), aliasClient, false)
	requireAuthenticated(t, second)
	assert.Equal(t, first.Secret(), second.Secret())
	assert.Equal(t, 1, e.dir.updates)
	assert.Equal(t, 1, e.secrets.n)
}

func TestEvaluate_ClientStoredSecretIsNeverOverwritten(t *testing.T) {
	e := newEnv(t)
	e.dir.entities["alice"].Secret = "stored-pass!"
	cert, key := e.enroll("alice", auth.StatusActive)

	out := e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasClient, false)
	requireAuthenticated(t, out)
	assert.Equal(t, "stored-pass!", out.Secret())
	assert.Zero(t, e.dir.updates)
	assert.Zero(t, e.secrets.n)
}

func TestEvaluate_ClientUsernameMismatch(t *testing.T) {
	e := newEnv(t)
	cert, key := e.enroll("alice", auth.StatusActive)

	for _, claimed := range []string{"bob", "Alice"} {
		rej := requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyCR, claimed), aliasClient, false),
			auth.ReasonUsernameMismatch)
		assert.Contains(t, rej.Error(), claimed)
		assert.NotContains(t, rej.Error(), "alice")
		assert.Contains(t, rej.Detail, "alice")
	}
	assert.Zero(t, e.dir.updates)
}

func TestEvaluate_ClientCAResolution(t *testing.T) {
	t.Run("unknown issuer", func(t *testing.T) {
		e := newEnv(t)
		ghost := newTestCA(t, "GhostCA", pkix.Name{CommonName: "Ghost CA"})
		cert, key := ghost.issue(t, pkix.Name{CommonName: "alice"}, e.now.Add(-time.Hour), e.now.Add(time.Hour))
		rej := requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasClient, false),
			auth.ReasonCANotFound)
		assert.ErrorIs(t, rej, auth.ErrCANotFound)
		assert.Equal(t, []string{fmt.Sprintf("id:%d", auth.CAIDFromDN("CN=Ghost CA"))}, e.cas.calls)
	})

	t.Run("denied", func(t *testing.T) {
		e := newEnv(t)
		e.cas.denied["ManagementCA"] = true
		cert, key := e.enroll("alice", auth.StatusActive)
		requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasClient, false),
			auth.ReasonAuthorizationDeniedLookingUpCA)
	})

	t.Run("same DN different key", func(t *testing.T) {
		e := newEnv(t)
		cert, key := e.enroll("alice", auth.StatusActive)
		impostor := newTestCA(t, "ManagementCA", e.managed.cert.Subject)
		e.cas.byName["ManagementCA"] = impostor.ca
		requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasClient, false),
			auth.ReasonWrongCA)
	})

	t.Run("empty chain", func(t *testing.T) {
		e := newEnv(t)
		cert, key := e.enroll("alice", auth.StatusActive)
		e.managed.ca.Chain = nil
		requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasClient, false),
			auth.ReasonWrongCA)
	})
}

func TestEvaluate_ClientCertificateState(t *testing.T) {
	t.Run("unknown certificate", func(t *testing.T) {
		e := newEnv(t)
		cert, key := e.managed.issue(t, pkix.Name{CommonName: "alice"}, e.now.Add(-time.Hour), e.now.Add(time.Hour))
		requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasClient, false),
			auth.ReasonUnknownCertificate)
	})

	for _, status := range []auth.CertStatus{auth.StatusRevoked, auth.StatusExpired, auth.StatusSuspended} {
		t.Run(string(status), func(t *testing.T) {
			e := newEnv(t)
			cert, key := e.enroll("alice", status)
			requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasClient, false),
				auth.ReasonNotActive)
		})
	}

	t.Run("expired", func(t *testing.T) {
		e := newEnv(t)
		cert, key := e.enroll("alice", auth.StatusActive)
		e.now = e.now.Add(48 * time.Hour)
		requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasClient, false),
			auth.ReasonNotYetValidOrExpired)
	})

	t.Run("not yet valid", func(t *testing.T) {
		e := newEnv(t)
		cert, key := e.enroll("alice", auth.StatusActive)
		e.now = e.now.Add(-2 * time.Hour)
		requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasClient, false),
			auth.ReasonNotYetValidOrExpired)
	})
}

func TestEvaluate_ClientSecretBindingFailures(t *testing.T) {
	causes := []error{
		fmt.Errorf("operator:cmp to /endentityprofilesrules/7/edit_end_entity: %w", auth.ErrAuthorizationDenied),
		auth.ErrProfileViolation,
		auth.ErrWaitingForApproval,
		errors.New("disk on fire"),
	}
	for _, cause := range causes {
		t.Run(cause.Error(), func(t *testing.T) {
			e := newEnv(t)
			e.dir.updateErr = fmt.Errorf("updating alice: %w", cause)
			cert, key := e.enroll("alice", auth.StatusActive)

			out := e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, "alice"), aliasClient, false)
			rej := requireRejected(t, out, auth.ReasonSecretBindingFailed)
			assert.ErrorIs(t, out.Err(), cause)
			assert.NotContains(t, rej.Error(), cause.Error())
			assert.NotContains(t, rej.Error(), "alice")
		})
	}

	t.Run("end entity missing", func(t *testing.T) {
		e := newEnv(t)
		cert, key := e.enroll("carol", auth.StatusActive)
		out := e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasClient, false)
		requireRejected(t, out, auth.ReasonSecretBindingFailed)
		assert.ErrorIs(t, out.Err(), auth.ErrEndEntityNotFound)
	})
}

// ---------------------------------------------------------------------------
// Vendor path
// ---------------------------------------------------------------------------

func TestEvaluate_VendorExtractsUsernameFromSubject(t *testing.T) {
	e := newEnv(t)
	cert, key := e.vendor.issue(t, pkix.Name{CommonName: "alice", Organization: []string{"Org"}},
		e.now.Add(-time.Hour), e.now.Add(time.Hour))
	require.Equal(t, "CN=alice,O=Org", cert.Subject.String())

	out := e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasVendor, false)
	requireAuthenticated(t, out)
	assert.Equal(t, "alice", out.Username())
	assert.Equal(t, auth.ModeClientVendorIssued, out.Mode())
	assert.Equal(t, 1, e.dir.updates)
	assert.Zero(t, e.certs.lookups, "vendor mode must not consult the certificate store")
	assert.Equal(t, []string{"name:OtherCA", "name:VendorCA"}, e.cas.calls)
}

func TestEvaluate_VendorCAOrder(t *testing.T) {
	e := newEnv(t)
	e.cas.denied["OtherCA"] = true
	cert, key := e.vendor.issue(t, pkix.Name{CommonName: "alice"}, e.now.Add(-time.Hour), e.now.Add(time.Hour))

	cfg := e.aliases[aliasVendor]
	cfg.VendorCAs = []string{"Missing", "OtherCA", "VendorCA", "ManagementCA"}
	e.aliases[aliasVendor] = cfg

	requireAuthenticated(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyCR, "alice"), aliasVendor, false))
	assert.Equal(t, []string{"name:Missing", "name:OtherCA", "name:VendorCA"}, e.cas.calls)
}

func TestEvaluate_VendorCANotMatched(t *testing.T) {
	e := newEnv(t)
	cert, key := e.enroll("alice", auth.StatusActive)
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasVendor, false),
		auth.ReasonVendorCANotMatched)
}

func TestEvaluate_VendorUsernameExtractionFailed(t *testing.T) {
	e := newEnv(t)
	cfg := e.aliases[aliasVendor]
	cfg.ExtractUsernameComponent = "UID"
	e.aliases[aliasVendor] = cfg

	cert, key := e.vendor.issue(t, pkix.Name{CommonName: "alice"}, e.now.Add(-time.Hour), e.now.Add(time.Hour))
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasVendor, false),
		auth.ReasonUsernameExtractionFailed)
}

func TestEvaluate_VendorUsernameMismatch(t *testing.T) {
	e := newEnv(t)
	cert, key := e.vendor.issue(t, pkix.Name{CommonName: "alice"}, e.now.Add(-time.Hour), e.now.Add(time.Hour))
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, "mallory"), aliasVendor, false),
		auth.ReasonUsernameMismatch)
}

func TestEvaluate_VendorExpiredCertificate(t *testing.T) {
	e := newEnv(t)
	cert, key := e.vendor.issue(t, pkix.Name{CommonName: "alice"}, e.now.Add(-2*time.Hour), e.now.Add(-time.Hour))
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasVendor, false),
		auth.ReasonNotYetValidOrExpired)
}

func TestEvaluate_VendorModeOnlyForInitializationAndCertification(t *testing.T) {
	e := newEnv(t)
	cert, key := e.vendor.issue(t, pkix.Name{CommonName: "alice"}, e.now.Add(-time.Hour), e.now.Add(time.Hour))

	out := e.evaluate(signedMessage(t, cert, key, cmp.BodyKUR, ""), aliasVendor, false)
	requireRejected(t, out, auth.ReasonUnknownCertificate)
	assert.Equal(t, auth.ModeClientDirect, out.Mode())
}

// ---------------------------------------------------------------------------
// RA path
// ---------------------------------------------------------------------------

func TestEvaluate_RAEnrollment(t *testing.T) {
	for _, bt := range []cmp.BodyType{cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR, cmp.BodyRR} {
		t.Run(bt.String(), func(t *testing.T) {
			e := newEnv(t)
			cert, key, _ := e.raAdmin()
			out := e.evaluate(signedMessage(t, cert, key, bt, ""), aliasRA, false)
			requireAuthenticated(t, out)
			assert.Equal(t, auth.ModeRAOperated, out.Mode())
			assert.Empty(t, out.Username())
			assert.Zero(t, e.dir.updates)
			assert.Equal(t, 1, e.secrets.n)
		})
	}
}

func TestEvaluate_RARevocationWithoutProfileRevokeRight(t *testing.T) {
	e := newEnv(t)
	cert, key, token := e.raAdmin()
	e.access.revoke(token, auth.ProfileResource(raProfileID, auth.RightRevoke))
	msg := signedMessage(t, cert, key, cmp.BodyRR, "")

	require.True(t, e.access.IsAuthorized(t.Context(), operator, auth.CAAccessResource(e.managed.ca.ID)))
	require.NoError(t, cmp.VerifyProtection(msg, cert))

	rej := requireRejected(t, e.evaluate(msg, aliasRA, false), auth.ReasonNotAuthorizedAdmin)
	assert.Contains(t, rej.Detail, auth.ProfileResource(raProfileID, auth.RightRevoke))

	// Enrollment rights are untouched.
	requireAuthenticated(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false))
}

func TestEvaluate_RARightsPerOperation(t *testing.T) {
	resources := []struct {
		resource string
		denies   []cmp.BodyType
	}{
		{auth.ProfileResource(raProfileID, auth.RightCreate), []cmp.BodyType{cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR}},
		{auth.ProfileResource(raProfileID, auth.RightEdit), []cmp.BodyType{cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR}},
		{auth.ResourceRAFunctionality + auth.RightCreate, []cmp.BodyType{cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR}},
		{auth.ResourceRAFunctionality + auth.RightEdit, []cmp.BodyType{cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR}},
		{auth.ResourceCreateCertificate, []cmp.BodyType{cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR}},
		{auth.ResourceRevokeEndEntity, []cmp.BodyType{cmp.BodyRR}},
	}
	for _, r := range resources {
		t.Run(r.resource, func(t *testing.T) {
			e := newEnv(t)
			cert, key, token := e.raAdmin()
			e.access.revoke(token, r.resource)
			for _, bt := range []cmp.BodyType{cmp.BodyIR, cmp.BodyCR, cmp.BodyKUR, cmp.BodyRR} {
				out := e.evaluate(signedMessage(t, cert, key, bt, ""), aliasRA, false)
				if contains(r.denies, bt) {
					requireRejected(t, out, auth.ReasonNotAuthorizedAdmin)
				} else {
					requireAuthenticated(t, out)
				}
			}
		})
	}
}

func contains(list []cmp.BodyType, bt cmp.BodyType) bool {
	for _, v := range list {
		if v == bt {
			return true
		}
	}
	return false
}

func TestEvaluate_RAOtherBodyTypesNeedNoRights(t *testing.T) {
	e := newEnv(t)
	cert, key := e.enroll("ra-admin", auth.StatusActive)
	e.access.grant(operator, auth.CAAccessResource(e.managed.ca.ID))

	for _, bt := range []cmp.BodyType{cmp.BodyGenM, cmp.BodyCertConf, cmp.BodyP10CR} {
		requireAuthenticated(t, e.evaluate(signedMessage(t, cert, key, bt, ""), aliasRA, false))
	}
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false),
		auth.ReasonNotAuthorizedAdmin)
}

func TestEvaluate_RANotAuthorizedForCA(t *testing.T) {
	e := newEnv(t)
	cert, key, _ := e.raAdmin()
	e.access.revoke(operator, auth.CAAccessResource(e.managed.ca.ID))
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false),
		auth.ReasonNotAuthorizedForCA)
}

func TestEvaluate_RAIdentityProviderFailure(t *testing.T) {
	e := newEnv(t)
	cert, key, _ := e.raAdmin()
	e.ids.err = errors.New("no such administrator")
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false),
		auth.ReasonNotAuthorizedAdmin)
}

func TestEvaluate_RAProfileResolution(t *testing.T) {
	t.Run("unknown profile", func(t *testing.T) {
		e := newEnv(t)
		cert, key, _ := e.raAdmin()
		cfg := e.aliases[aliasRA]
		cfg.RAEndEntityProfile = "Missing"
		e.aliases[aliasRA] = cfg
		rej := requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false),
			auth.ReasonEndEntityProfileNotFound)
		assert.ErrorIs(t, rej, auth.ErrProfileNotFound)
	})

	t.Run("profile from sender key id", func(t *testing.T) {
		e := newEnv(t)
		cert, key, _ := e.raAdmin()
		cfg := e.aliases[aliasRA]
		cfg.RAEndEntityProfile = auth.ProfileFromKeyID
		e.aliases[aliasRA] = cfg

		msg := signedMessage(t, cert, key, cmp.BodyIR, "")
		msg.Header.SenderKID = []byte("RAProfile")
		resign(t, msg, key)
		requireAuthenticated(t, e.evaluate(msg, aliasRA, false))

		msg.Header.SenderKID = []byte("Unknown")
		resign(t, msg, key)
		requireRejected(t, e.evaluate(msg, aliasRA, false), auth.ReasonEndEntityProfileNotFound)

		// Without a sender key id the sentinel itself is looked up.
		msg.Header.SenderKID = nil
		resign(t, msg, key)
		requireRejected(t, e.evaluate(msg, aliasRA, false), auth.ReasonEndEntityProfileNotFound)
	})

	t.Run("empty profile needs root for enrollment", func(t *testing.T) {
		e := newEnv(t)
		cert, key, token := e.raAdmin()
		cfg := e.aliases[aliasRA]
		cfg.RAEndEntityProfile = "EMPTY"
		e.aliases[aliasRA] = cfg

		requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false),
			auth.ReasonNotAuthorizedAdmin)
		e.access.grant(token, auth.ResourceRoot)
		requireAuthenticated(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false))

		// Revocation on the empty profile still uses the profile rule.
		requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyRR, ""), aliasRA, false),
			auth.ReasonNotAuthorizedAdmin)
		e.access.grant(token, auth.ProfileResource(auth.EmptyEndEntityProfile, auth.RightRevoke))
		requireAuthenticated(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyRR, ""), aliasRA, false))
	})
}

func TestEvaluate_HeaderChangedAfterSigning(t *testing.T) {
	e := newEnv(t)
	cert, key, _ := e.raAdmin()
	cfg := e.aliases[aliasRA]
	cfg.RAEndEntityProfile = auth.ProfileFromKeyID
	e.aliases[aliasRA] = cfg

	signed := func() *cmp.Message {
		msg := signedMessage(t, cert, key, cmp.BodyIR, "")
		msg.Header.SenderKID = []byte("SignedProfile")
		resign(t, msg, key)
		return msg
	}

	msg := signed()
	msg.Header.SenderKID = []byte("RAProfile")
	rej := requireRejected(t, e.evaluate(msg, aliasRA, false), auth.ReasonSignatureInvalid)
	assert.ErrorIs(t, rej, cmp.ErrHeaderMismatch)

	msg = signed()
	msg.Header.SenderKID = []byte("RAProfile")
	msg.Header.ProtectionAlg = cmp.OIDECDSAWithSHA384
	requireRejected(t, e.evaluate(msg, aliasRA, false), auth.ReasonSignatureInvalid)
}

func TestEvaluate_RAWrongCA(t *testing.T) {
	e := newEnv(t)
	cert, key, _ := e.raAdmin()
	cfg := e.aliases[aliasRA]
	cfg.RACAName = "OtherCA"
	e.aliases[aliasRA] = cfg

	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false), auth.ReasonWrongCA)
}

func TestEvaluate_RACANotFound(t *testing.T) {
	e := newEnv(t)
	cert, key, _ := e.raAdmin()
	cfg := e.aliases[aliasRA]
	cfg.RACAName = "Nope"
	e.aliases[aliasRA] = cfg
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false), auth.ReasonCANotFound)

	cfg.RACAName = "ManagementCA"
	e.aliases[aliasRA] = cfg
	e.cas.denied["ManagementCA"] = true
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false),
		auth.ReasonAuthorizationDeniedLookingUpCA)
}

func TestEvaluate_RACertificateState(t *testing.T) {
	e := newEnv(t)
	cert, key, _ := e.raAdmin()
	e.certs.records[auth.Fingerprint(cert.Raw)].Status = auth.StatusRevoked
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false), auth.ReasonNotActive)

	delete(e.certs.records, auth.Fingerprint(cert.Raw))
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyIR, ""), aliasRA, false),
		auth.ReasonUnknownCertificate)
}

func TestEvaluate_RAPreAuthenticatedSkipsChecks(t *testing.T) {
	e := newEnv(t)
	cert, key := e.other.issue(t, pkix.Name{CommonName: "unrecorded"}, e.now.Add(-time.Hour), e.now.Add(time.Hour))

	out := e.evaluate(signedMessage(t, cert, key, cmp.BodyRR, ""), aliasRAPre, true)
	requireAuthenticated(t, out)
	assert.Equal(t, auth.ModeRAOperatedPreAuthenticated, out.Mode())
	assert.Empty(t, e.cas.calls)
	assert.Zero(t, e.certs.lookups)

	// Pre-authentication alone does not skip anything.
	requireRejected(t, e.evaluate(signedMessage(t, cert, key, cmp.BodyRR, ""), aliasRA, true),
		auth.ReasonUnknownCertificate)
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := auth.New(auth.Collaborators{})
	assert.ErrorIs(t, err, auth.ErrMissingCollaborator)

	e := newEnv(t)
	var nilCerts *fakeCerts
	_, err = auth.New(auth.Collaborators{
		Aliases:      e.aliases,
		CAs:          e.cas,
		Certificates: nilCerts,
		EndEntities:  e.dir,
		Access:       e.access,
		Identities:   e.ids,
		Profiles:     e.profiles,
	})
	assert.ErrorIs(t, err, auth.ErrMissingCollaborator)
}

func TestEvaluate_DefaultSecretGenerator(t *testing.T) {
	e := newEnv(t)
	cert, key, _ := e.raAdmin()
	eng, err := auth.New(auth.Collaborators{
		Aliases:      e.aliases,
		CAs:          e.cas,
		Certificates: e.certs,
		EndEntities:  e.dir,
		Access:       e.access,
		Identities:   e.ids,
		Profiles:     e.profiles,
	}, auth.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	out := eng.Evaluate(t.Context(), auth.Request{
		Message: signedMessage(t, cert, key, cmp.BodyIR, ""),
		Admin:   operator,
		Alias:   aliasRA,
	})
	requireAuthenticated(t, out)
	for _, c := range out.Secret() {
		assert.True(t, c >= '!' && c <= '~', "secret has non-printable %q", c)
	}
}
