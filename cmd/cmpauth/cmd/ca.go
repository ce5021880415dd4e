package cmd

import (
	"crypto/x509/pkix"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/cmpauth/pki"
)

func newCACmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage certificate authorities",
	}
	cmd.AddCommand(
		newCAInitCmd(opts),
		newCAImportCmd(opts),
		newCAListCmd(opts),
		newCACertCmd(opts),
		newCACRLCmd(opts),
	)
	return cmd
}

func newCAInitCmd(opts *rootOptions) *cobra.Command {
	var (
		name, cn string
		org      []string
		country  []string
		years    int
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a managed root CA with a sealed signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			if cn == "" {
				cn = name
			}
			ca, err := pki.InitCA(cmd.Context(), env.dir, name, pkix.Name{
				CommonName:   cn,
				Organization: org,
				Country:      country,
			}, years, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created CA %q (id %d): %s\n", ca.Name, ca.ID, ca.SubjectDN)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "CA name")
	cmd.Flags().StringVar(&cn, "cn", "", "Subject common name (defaults to the CA name)")
	cmd.Flags().StringSliceVar(&org, "org", nil, "Subject organization")
	cmd.Flags().StringSliceVar(&country, "country", nil, "Subject country")
	cmd.Flags().IntVar(&years, "years", 10, "Validity in years")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newCAImportCmd(opts *rootOptions) *cobra.Command {
	var name, file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an external CA chain without a signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			chainPEM, err := readInput(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			ca, err := pki.ImportCA(cmd.Context(), env.dir, name, string(chainPEM))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported CA %q (id %d): %s\n", ca.Name, ca.ID, ca.SubjectDN)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "CA name")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "PEM chain, CA certificate first")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newCAListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List CAs",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			cas, err := env.dir.ListCAs(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSUBJECT\tEXTERNAL\tNOT AFTER")
			for _, ca := range cas {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", ca.ID, ca.Name, ca.SubjectDN, ca.External,
					ca.Chain[0].NotAfter.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newCACertCmd(opts *rootOptions) *cobra.Command {
	var name, out string
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Write the PEM chain of a CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			chain, err := pki.CACertificatePEM(cmd.Context(), env.dir, name)
			if err != nil {
				return err
			}
			return writeOutput(out, []byte(chain), 0o644, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "CA name")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newCACRLCmd(opts *rootOptions) *cobra.Command {
	var (
		name, out  string
		nextUpdate time.Duration
	)
	cmd := &cobra.Command{
		Use:   "crl",
		Short: "Generate a CRL for a managed CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			crl, err := pki.GenerateCRL(cmd.Context(), env.dir, name, nextUpdate, nil)
			if err != nil {
				return err
			}
			return writeOutput(out, crl, 0o644, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "CA name")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file")
	cmd.Flags().DurationVar(&nextUpdate, "next-update", 7*24*time.Hour, "Time until the next CRL is due")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
