package cmd

import (
	"context"
	"crypto/x509"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/directory"
	"github.com/jmcleod/cmpauth/pki"
)

// caIDs resolves CA names to ids.
func caIDs(ctx context.Context, dir *directory.Store, names []string) ([]int32, error) {
	ids := make([]int32, 0, len(names))
	for _, n := range names {
		ca, err := dir.CA(ctx, n)
		if err != nil {
			return nil, err
		}
		ids = append(ids, ca.ID)
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// End entities
// ---------------------------------------------------------------------------

func newEndEntityCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ee",
		Aliases: []string{"end-entity"},
		Short:   "Manage end entities",
	}
	cmd.AddCommand(newEEAddCmd(opts), newEEResetSecretCmd(opts))
	return cmd
}

func newEEAddCmd(opts *rootOptions) *cobra.Command {
	var user, profile, caName string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an end entity without a secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			profileID, err := env.dir.ProfileID(ctx, profile)
			if err != nil {
				return err
			}
			ids, err := caIDs(ctx, env.dir, []string{caName})
			if err != nil {
				return err
			}
			if err := env.dir.PutEndEntity(ctx, user, profileID, ids[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added end entity %q\n", user)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Username")
	cmd.Flags().StringVar(&profile, "profile", directory.EmptyProfileName, "End-entity profile name")
	cmd.Flags().StringVar(&caName, "ca", "", "CA name")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("ca")
	return cmd
}

func newEEResetSecretCmd(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "reset-secret",
		Short: "Clear the bound secret so the next request binds a new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.dir.ClearSecret(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared secret of %q\n", user)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Username")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

func newProfileCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage end-entity profiles",
	}
	cmd.AddCommand(newProfileAddCmd(opts))
	return cmd
}

func newProfileAddCmd(opts *rootOptions) *cobra.Command {
	var (
		name            string
		cas             []string
		requireApproval bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an end-entity profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			ids, err := caIDs(ctx, env.dir, cas)
			if err != nil {
				return err
			}
			p, err := env.dir.PutProfile(ctx, directory.Profile{
				Name:            name,
				AvailableCAs:    ids,
				RequireApproval: requireApproval,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created profile %q (id %d)\n", p.Name, p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Profile name")
	cmd.Flags().StringSliceVar(&cas, "ca", nil, "CAs available to the profile (all when empty)")
	cmd.Flags().BoolVar(&requireApproval, "require-approval", false, "Secrets need approval before they can be stored")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// ---------------------------------------------------------------------------
// Roles
// ---------------------------------------------------------------------------

func newRoleCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "role",
		Short: "Manage access-control roles",
	}
	cmd.AddCommand(newRoleGrantCmd(opts), newRoleListCmd(opts))
	return cmd
}

func newRoleGrantCmd(opts *rootOptions) *cobra.Command {
	var (
		role, operator, certFile string
		resources, cas           []string
		recursive, deny          bool
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Add a member and access rules to a role",
		Long: `Add a member and access rules to a role, creating the role if needed.

The member is either the operator identity CMP requests are processed under
(--operator) or the subject of an administrator certificate (--cert). --ca
grants access to the named CAs; --resource grants raw resources such as
/ra_functionality or /endentityprofilesrules/2/create_end_entity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var member auth.Principal
			switch {
			case operator != "" && certFile != "":
				return fmt.Errorf("--operator and --cert are mutually exclusive")
			case operator != "":
				member = auth.Principal{Kind: auth.PrincipalOperator, ID: operator}
			case certFile != "":
				certs, err := certificatesFromFile(certFile, cmd)
				if err != nil {
					return err
				}
				member = directory.CertificatePrincipal(certs[0])
			default:
				return fmt.Errorf("one of --operator or --cert is required")
			}

			ctx := cmd.Context()
			env, err := opts.openEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			ids, err := caIDs(ctx, env.dir, cas)
			if err != nil {
				return err
			}
			var rules []directory.AccessRule
			for _, id := range ids {
				rules = append(rules, directory.AccessRule{Resource: auth.CAAccessResource(id), Deny: deny})
			}
			for _, r := range resources {
				rules = append(rules, directory.AccessRule{Resource: r, Recursive: recursive, Deny: deny})
			}
			if err := env.dir.Grant(ctx, role, member, rules...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Granted %d rule(s) to %s in role %q\n", len(rules), member, role)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "Role name")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator identity to add")
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM certificate whose subject to add")
	cmd.Flags().StringSliceVar(&cas, "ca", nil, "CA names to grant access to")
	cmd.Flags().StringSliceVar(&resources, "resource", nil, "Access resources to grant")
	cmd.Flags().BoolVar(&recursive, "recursive", false, "Resources also cover their sub-resources")
	cmd.Flags().BoolVar(&deny, "deny", false, "Rules deny instead of allow")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newRoleListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List roles with their members and rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			roles, err := env.dir.ListRoles(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tMEMBER\tRESOURCE\tFLAGS")
			for _, r := range roles {
				for _, m := range r.Members {
					for _, rule := range r.Rules {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, m, rule.Resource, ruleFlags(rule))
					}
				}
			}
			return tw.Flush()
		},
	}
}

func ruleFlags(r directory.AccessRule) string {
	switch {
	case r.Deny && r.Recursive:
		return "deny,recursive"
	case r.Deny:
		return "deny"
	case r.Recursive:
		return "recursive"
	default:
		return "-"
	}
}

// certificatesFromFile reads the certificates of a PEM file, "-" being stdin.
func certificatesFromFile(path string, cmd *cobra.Command) ([]*x509.Certificate, error) {
	data, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return nil, err
	}
	return pki.ParseCertificatesPEM(string(data))
}
