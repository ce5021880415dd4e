package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/cmpauth/cmp"
	"github.com/jmcleod/cmpauth/internal/uuid"
	"github.com/jmcleod/cmpauth/pki"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Build CMP request messages for testing",
	}
	cmd.AddCommand(newMessageSignCmd())
	return cmd
}

func newMessageSignCmd() *cobra.Command {
	var (
		certFile, keyFile, bodyFile, out string
		bodyType, username, alg          string
		sender, recipient, senderKID     string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Write a signature-protected CMP message as JSON",
		Long: `Write a signature-protected CMP message in the JSON form accepted by
POST /cmp/{alias}. The certificates of --cert become the extraCerts, the
first one being the signer's.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bt, err := cmp.ParseBodyType(bodyType)
			if err != nil {
				return err
			}
			certs, err := certificatesFromFile(certFile, cmd)
			if err != nil {
				return fmt.Errorf("reading certificates: %w", err)
			}
			keyPEM, err := readInput(keyFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ks := pki.NewSoftwareKeyStore()
			keyID, err := ks.ImportPEM(string(keyPEM))
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			defer ks.Delete(keyID) //nolint:errcheck
			signer, err := ks.Signer(keyID)
			if err != nil {
				return err
			}
			if alg == "" {
				if alg, err = cmp.DefaultAlgorithm(signer.Public()); err != nil {
					return err
				}
			}

			body := []byte{0x30, 0x00}
			if bodyFile != "" {
				if body, err = readInput(bodyFile, cmd.InOrStdin()); err != nil {
					return err
				}
			}
			msg := &cmp.Message{
				Header: cmp.Header{
					PVNO:          2,
					Sender:        sender,
					Recipient:     recipient,
					TransactionID: []byte(uuid.New()),
				},
				BodyType: bt,
				Body:     body,
				Username: username,
			}
			if senderKID != "" {
				msg.Header.SenderKID = []byte(senderKID)
			}
			if sender == "" {
				msg.Header.Sender = certs[0].Subject.String()
			}
			for _, c := range certs {
				msg.ExtraCerts = append(msg.ExtraCerts, c.Raw)
			}
			if err := cmp.Sign(msg, signer, alg); err != nil {
				return err
			}

			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return err
			}
			return writeOutput(out, append(data, '\n'), 0o644, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&certFile, "cert", "", "PEM file with the signer certificate, optionally followed by its chain")
	cmd.Flags().StringVar(&keyFile, "key", "", "PEM private key of the signer")
	cmd.Flags().StringVar(&bodyFile, "body", "", "DER request body (a placeholder is used when empty)")
	cmd.Flags().StringVar(&bodyType, "body-type", "cr", "Body type name or number, e.g. ir, cr, kur, rr")
	cmd.Flags().StringVar(&username, "username", "", "Username the sender claims")
	cmd.Flags().StringVar(&alg, "alg", "", "Protection algorithm OID (derived from the key when empty)")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender name (defaults to the certificate subject)")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Recipient name")
	cmd.Flags().StringVar(&senderKID, "sender-kid", "", "Sender key id, used as profile name by RA aliases set to KeyId")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "Output file")
	_ = cmd.MarkFlagRequired("cert")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
