package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "cmpauth",
		Short: "cmpauth authenticates CMP requests signed with end-entity certificates",
		Long: `cmpauth decides whether a CMP request protected by an end-entity
certificate is authentic and authorized, and binds the one-time secret that
certificate issuance trusts afterwards.

Commands other than server administer the directory of CAs, certificates,
end entities, profiles and roles the decisions are made against.`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file (defaults apply when empty)")

	root.AddCommand(
		newServerCmd(opts),
		newCACmd(opts),
		newCertCmd(opts),
		newEndEntityCmd(opts),
		newProfileCmd(opts),
		newRoleCmd(opts),
		newAliasCmd(opts),
		newMessageCmd(),
		newEvaluateCmd(opts),
	)
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
