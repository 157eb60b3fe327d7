package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"provcert/internal/config"
	"provcert/internal/security"
	"provcert/internal/signer"
)

var (
	keygenOut   string
	keygenForce bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a signing secret",
	Long: `Generate a random signing secret and write it hex-encoded with mode 0600.

The default path is signing.secret_path from the configuration. An existing
secret is never overwritten without --force: certificates signed with it
would stop verifying.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "output path (default: signing.secret_path)")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "overwrite an existing secret")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	path := keygenOut
	if path == "" {
		path = cfg.Signing.SecretPath
	}

	if _, err := os.Stat(path); err == nil && !keygenForce {
		return fmt.Errorf("%s already exists (use --force to replace it)", path)
	}

	secret, err := signer.GenerateSecret()
	if err != nil {
		return err
	}
	defer security.Wipe(secret)

	encoded := signer.EncodeSecret(secret)
	defer security.Wipe(encoded)
	if err := security.WriteSecretFile(path, encoded); err != nil {
		return err
	}

	audit, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer audit.Close()
	audit.LogKeyGenerated(context.Background(), path)

	fmt.Fprintf(cmd.OutOrStdout(), "Signing secret written to %s\n", path)
	return nil
}
