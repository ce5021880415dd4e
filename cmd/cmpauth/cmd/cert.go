package cmd

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/cmpauth/pki"
)

func newCertCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Issue, revoke and list end-entity certificates",
	}
	cmd.AddCommand(
		newCertIssueCmd(opts),
		newCertSignCSRCmd(opts),
		newCertRevokeCmd(opts),
		newCertListCmd(opts),
	)
	return cmd
}

var extKeyUsages = map[string]x509.ExtKeyUsage{
	"client": x509.ExtKeyUsageClientAuth,
	"server": x509.ExtKeyUsageServerAuth,
	"email":  x509.ExtKeyUsageEmailProtection,
}

func parseExtKeyUsages(names []string) ([]x509.ExtKeyUsage, error) {
	out := make([]x509.ExtKeyUsage, 0, len(names))
	for _, n := range names {
		eku, ok := extKeyUsages[n]
		if !ok {
			return nil, fmt.Errorf("unknown extended key usage %q (want client, server or email)", n)
		}
		out = append(out, eku)
	}
	return out, nil
}

func newCertIssueCmd(opts *rootOptions) *cobra.Command {
	var (
		caName, user, cn, out string
		org, dns, ips, emails []string
		ekus                  []string
		days                  int
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a certificate with a freshly generated key",
		Long: `Issue a certificate with a freshly generated key and record it for the
end entity. The certificate and key are written to <out>.crt and <out>.key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			usages, err := parseExtKeyUsages(ekus)
			if err != nil {
				return err
			}
			var ipAddrs []net.IP
			for _, s := range ips {
				ip := net.ParseIP(s)
				if ip == nil {
					return fmt.Errorf("invalid IP address %q", s)
				}
				ipAddrs = append(ipAddrs, ip)
			}
			if cn == "" {
				cn = user
			}
			if out == "" {
				out = user
			}

			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			issued, err := pki.IssueCertificate(cmd.Context(), env.dir, pki.IssueCertRequest{
				CAName:         caName,
				Username:       user,
				Subject:        pkix.Name{CommonName: cn, Organization: org},
				ValidityDays:   days,
				ExtKeyUsages:   usages,
				DNSNames:       dns,
				IPAddresses:    ipAddrs,
				EmailAddresses: emails,
			}, nil)
			if err != nil {
				return err
			}
			if err := writeOutput(out+".crt", []byte(issued.CertPEM), 0o644, cmd.OutOrStdout()); err != nil {
				return err
			}
			if err := writeOutput(out+".key", []byte(issued.KeyPEM), 0o600, cmd.OutOrStdout()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Issued %s (fingerprint %s)\n", issued.Certificate.Subject, issued.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&caName, "ca", "", "Issuing CA name")
	cmd.Flags().StringVar(&user, "user", "", "End entity username the certificate belongs to")
	cmd.Flags().StringVar(&cn, "cn", "", "Subject common name (defaults to the username)")
	cmd.Flags().StringSliceVar(&org, "org", nil, "Subject organization")
	cmd.Flags().StringSliceVar(&dns, "dns", nil, "DNS subject alternative names")
	cmd.Flags().StringSliceVar(&ips, "ip", nil, "IP subject alternative names")
	cmd.Flags().StringSliceVar(&emails, "email", nil, "Email subject alternative names")
	cmd.Flags().StringSliceVar(&ekus, "eku", []string{"client"}, "Extended key usages: client, server, email")
	cmd.Flags().IntVar(&days, "days", 365, "Validity in days")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path prefix (defaults to the username)")
	_ = cmd.MarkFlagRequired("ca")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCertSignCSRCmd(opts *rootOptions) *cobra.Command {
	var (
		caName, user, csrFile, out string
		ekus                       []string
		days                       int
	)
	cmd := &cobra.Command{
		Use:   "sign-csr",
		Short: "Sign a PKCS#10 request and record the certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			usages, err := parseExtKeyUsages(ekus)
			if err != nil {
				return err
			}
			csrPEM, err := readInput(csrFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			issued, err := pki.SignCSR(cmd.Context(), env.dir, caName, user, string(csrPEM), days, usages, nil)
			if err != nil {
				return err
			}
			return writeOutput(out, []byte(issued.CertPEM), 0o644, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&caName, "ca", "", "Issuing CA name")
	cmd.Flags().StringVar(&user, "user", "", "End entity username the certificate belongs to")
	cmd.Flags().StringVar(&csrFile, "csr", "-", "PEM certificate request")
	cmd.Flags().StringSliceVar(&ekus, "eku", []string{"client"}, "Extended key usages: client, server, email")
	cmd.Flags().IntVar(&days, "days", 365, "Validity in days")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file")
	_ = cmd.MarkFlagRequired("ca")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCertRevokeCmd(opts *rootOptions) *cobra.Command {
	var (
		fingerprint string
		reason      int
	)
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a recorded certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			if err := pki.RevokeCertificate(cmd.Context(), env.dir, fingerprint, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "SHA-256 fingerprint of the certificate")
	cmd.Flags().IntVar(&reason, "reason", pki.ReasonUnspecified, "RFC 5280 revocation reason code")
	_ = cmd.MarkFlagRequired("fingerprint")
	return cmd
}

func newCertListCmd(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			entries, err := env.dir.ListCertificates(cmd.Context(), user)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINGERPRINT\tUSER\tSTATUS\tSUBJECT\tNOT AFTER")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Fingerprint, e.Username, e.Status, e.SubjectDN,
					e.NotAfter.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Only list certificates of this end entity")
	return cmd
}
