package cmd

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/directory"
	"github.com/jmcleod/cmpauth/pki"
)

const cliConfig = `
storage:
  backend: bbolt
  path: %[1]s/data/cmpauth.db
  passphrase: correct horse battery staple
  kdf: {time: 1, memory: 1024, parallelism: 1}
logging:
  output: %[1]s/cmpauth.log
aliases:
  client: {}
  conflicting:
    ra_mode: true
    vendor_mode: true
`

func writeCLIConfig(t *testing.T) (cfgPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "cmpauth.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(cliConfig, dir)), 0o600))
	return cfgPath, dir
}

func runOutput(t *testing.T, cfgPath string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	if cfgPath != "" {
		args = append([]string{"--config", cfgPath}, args...)
	}
	root.SetArgs(args)
	err = root.ExecuteContext(t.Context())
	return out.String(), errOut.String(), err
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	out, _, err := runOutput(t, cfgPath, args...)
	return out, err
}

func mustRun(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	out, errOut, err := runOutput(t, cfgPath, args...)
	require.NoError(t, err, errOut)
	return out
}

func evaluateFile(t *testing.T, cfgPath, alias, msgFile string) (evaluation, error) {
	t.Helper()
	out, err := run(t, cfgPath, "evaluate", "--alias", alias, "--file", msgFile, "--show-secret")
	var res evaluation
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	return res, err
}

func TestEndToEnd(t *testing.T) {
	cfgPath, dir := writeCLIConfig(t)
	prefix := filepath.Join(dir, "alice")
	msgFile := filepath.Join(dir, "msg.json")

	mustRun(t, cfgPath, "ca", "init", "--name", "ManagementCA", "--org", "Example")
	mustRun(t, cfgPath, "profile", "add", "--name", "ClientProfile", "--ca", "ManagementCA")
	mustRun(t, cfgPath, "role", "grant", "--role", "cmp-operator", "--operator", "cmp",
		"--ca", "ManagementCA", "--resource", auth.ResourceProfilePrefix, "--recursive")
	mustRun(t, cfgPath, "ee", "add", "--user", "alice", "--profile", "ClientProfile", "--ca", "ManagementCA")
	mustRun(t, cfgPath, "cert", "issue", "--ca", "ManagementCA", "--user", "alice", "--out", prefix)
	mustRun(t, cfgPath, "message", "sign", "--cert", prefix+".crt", "--key", prefix+".key",
		"--username", "alice", "--out", msgFile)

	first, err := evaluateFile(t, cfgPath, "client", msgFile)
	require.NoError(t, err)
	assert.True(t, first.Authenticated)
	assert.Equal(t, "client", first.Mode)
	assert.Equal(t, "alice", first.Username)
	assert.NotEmpty(t, first.Secret)

	second, err := evaluateFile(t, cfgPath, "client", msgFile)
	require.NoError(t, err)
	assert.Equal(t, first.Secret, second.Secret, "secret is reused across runs")

	mustRun(t, cfgPath, "ee", "reset-secret", "--user", "alice")
	third, err := evaluateFile(t, cfgPath, "client", msgFile)
	require.NoError(t, err)
	assert.NotEqual(t, first.Secret, third.Secret)

	conflict, err := evaluateFile(t, cfgPath, "conflicting", msgFile)
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, string(auth.ReasonConfigurationConflict), conflict.Reason)

	certPEM, err := os.ReadFile(prefix + ".crt")
	require.NoError(t, err)
	certs, err := pki.ParseCertificatesPEM(string(certPEM))
	require.NoError(t, err)
	fp := pki.Fingerprint(certs[0])

	assert.Contains(t, mustRun(t, cfgPath, "cert", "list", "--user", "alice"), fp)
	mustRun(t, cfgPath, "cert", "revoke", "--fingerprint", fp, "--reason", "1")
	_, err = run(t, cfgPath, "cert", "revoke", "--fingerprint", fp)
	assert.ErrorIs(t, err, pki.ErrCertAlreadyRevoked)

	revoked, err := evaluateFile(t, cfgPath, "client", msgFile)
	require.ErrorIs(t, err, ErrRejected)
	assert.False(t, revoked.Authenticated)
	assert.Equal(t, string(auth.ReasonNotActive), revoked.Reason)

	crlFile := filepath.Join(dir, "crl.pem")
	mustRun(t, cfgPath, "ca", "crl", "--name", "ManagementCA", "--out", crlFile)
	crlPEM, err := os.ReadFile(crlFile)
	require.NoError(t, err)
	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, crl.RevokedCertificateEntries[0].SerialNumber.Cmp(certs[0].SerialNumber))

	out := mustRun(t, cfgPath, "ca", "list")
	assert.Contains(t, out, "ManagementCA")
	out = mustRun(t, cfgPath, "role", "list")
	assert.Contains(t, out, "operator:cmp")
	assert.Contains(t, out, "recursive")
	out = mustRun(t, cfgPath, "ca", "cert", "--name", "ManagementCA")
	assert.Contains(t, out, "BEGIN CERTIFICATE")
}

func TestWrongPassphrase(t *testing.T) {
	cfgPath, _ := writeCLIConfig(t)
	mustRun(t, cfgPath, "ca", "init", "--name", "ManagementCA")

	original, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	data := bytes.Replace(original, []byte("correct horse battery staple"), []byte("wrong"), 1)
	require.NoError(t, os.WriteFile(cfgPath, data, 0o600))

	_, err = run(t, cfgPath, "ca", "list")
	require.ErrorIs(t, err, directory.ErrWrongPassphrase)

	// The failed run released the bbolt file lock.
	require.NoError(t, os.WriteFile(cfgPath, original, 0o600))
	assert.Contains(t, mustRun(t, cfgPath, "ca", "list"), "ManagementCA")
}

func TestAliasList(t *testing.T) {
	cfgPath, _ := writeCLIConfig(t)
	out, errOut, err := runOutput(t, cfgPath, "alias", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "client")
	assert.Contains(t, out, string(auth.ReasonConfigurationConflict))
	assert.Contains(t, errOut, "warning:")
}

func TestMemoryBackendWithoutPassphrase(t *testing.T) {
	t.Setenv("CMPAUTH_PASSPHRASE", "")
	out := mustRun(t, "", "ca", "list")
	assert.Contains(t, out, "ID")
}

func TestEvaluateRejectsBadJSON(t *testing.T) {
	cfgPath, dir := writeCLIConfig(t)
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err := run(t, cfgPath, "evaluate", "--alias", "client", "--file", bad)
	assert.ErrorContains(t, err, "invalid CMP message")
}

func TestServerTLSConfigSelfSigned(t *testing.T) {
	cmd := &cobra.Command{}
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)

	cfg, err := serverTLSConfig("", "", cmd)
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Contains(t, stderr.String(), "self-signed")

	_, err = serverTLSConfig("missing.crt", "missing.key", cmd)
	assert.Error(t, err)
}
