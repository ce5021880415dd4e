package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/cmpauth/auth"
	"github.com/jmcleod/cmpauth/cmp"
)

// ErrRejected is returned by evaluate when the request was rejected.
var ErrRejected = errors.New("request rejected")

// evaluation is the JSON form of an outcome printed by evaluate.
type evaluation struct {
	Alias         string `json:"alias"`
	Authenticated bool   `json:"authenticated"`
	Mode          string `json:"mode"`
	Username      string `json:"username,omitempty"`
	Secret        string `json:"secret,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
}

func newEvaluateCmd(opts *rootOptions) *cobra.Command {
	var (
		alias, file      string
		preAuthenticated bool
		showSecret       bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a CMP message offline against the directory",
		Long: `Evaluate a JSON CMP message, as written by "message sign", against an
alias without running the server. A successful evaluation binds a secret
exactly as the server would.

--pre-authenticated marks the request as already authenticated upstream,
which RA aliases with omit_verifications require.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			var msg cmp.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return fmt.Errorf("invalid CMP message: %w", err)
			}

			env, err := opts.openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()
			eng, err := env.engine()
			if err != nil {
				return err
			}

			out := eng.Evaluate(cmd.Context(), auth.Request{
				Message:          &msg,
				Admin:            env.cfg.OperatorPrincipal(),
				Alias:            alias,
				PreAuthenticated: preAuthenticated,
			})
			res := evaluation{
				Alias:         alias,
				Authenticated: out.Authenticated(),
				Mode:          out.Mode().String(),
				Username:      out.Username(),
			}
			if showSecret {
				res.Secret = out.Secret()
			}
			if rej := out.Rejection(); rej != nil {
				res.Reason = string(rej.Reason)
				res.Message = rej.Error()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Authenticated {
				return fmt.Errorf("%w: %s", ErrRejected, res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&alias, "alias", "a", "", "Alias to evaluate against")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON CMP message")
	cmd.Flags().BoolVar(&preAuthenticated, "pre-authenticated", false, "Treat the request as authenticated upstream")
	cmd.Flags().BoolVar(&showSecret, "show-secret", false, "Print the bound secret")
	_ = cmd.MarkFlagRequired("alias")
	return cmd
}

// ---------------------------------------------------------------------------
// Aliases
// ---------------------------------------------------------------------------

func newAliasCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alias",
		Short: "Inspect configured aliases",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List aliases with the mode each resolves to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ALIAS\tIR/CR MODE\tOTHER MODE\tCA\tPROFILE")
			for _, name := range cfg.AliasNames() {
				a, _ := cfg.Alias(name)
				ca := a.RACAName
				if len(a.VendorCAs) > 0 && !a.RAMode {
					ca = fmt.Sprint(a.VendorCAs)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name,
					modeLabel(a, cmp.BodyCR), modeLabel(a, cmp.BodyRR), dash(ca), dash(a.RAEndEntityProfile))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, w := range cfg.Warnings() {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			return nil
		},
	})
	return cmd
}

// modeLabel resolves the mode of a request that was authenticated upstream
// when the alias demands it.
func modeLabel(a auth.AliasConfig, bt cmp.BodyType) string {
	mode, rej := auth.ResolveMode(a, bt, a.OmitVerifications)
	if rej != nil {
		return string(rej.Reason)
	}
	return mode.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
