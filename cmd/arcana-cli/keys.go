package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/davidahmann/arcana/internal/crypto"
	"github.com/davidahmann/arcana/internal/kms"
)

const (
	defaultKeyID  = "arcana-dev"
	defaultIssuer = "arcana"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage Ed25519 signing keys",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return usageError{fmt.Errorf("%s requires a subcommand", cmd.CommandPath())}
		},
	}
	cmd.AddCommand(keysGenerateCmd())
	cmd.AddCommand(keysJWKSCmd())
	return cmd
}

func keysGenerateCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a signing key seed",
		Long: `Generate a random Ed25519 seed in the base64: form the gateway reads
from signing_key.private_key_path. Without --out the seed is printed.`,
		Args: exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := crypto.GenerateSeed()
			if err != nil {
				return err
			}
			encoded := crypto.EncodeSeed(seed)
			if out == "" {
				fmt.Fprintln(cmd.OutOrStdout(), encoded)
				return nil
			}
			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return fmt.Errorf("output dir: %w", err)
				}
			}
			if err := os.WriteFile(out, []byte(encoded+"\n"), 0o600); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the seed to this file")
	return cmd
}

func keysJWKSCmd() *cobra.Command {
	var keyPath, kid string
	cmd := &cobra.Command{
		Use:   "jwks",
		Short: "Print the public JWKS for a signing key",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyPath == "" {
				return usageError{fmt.Errorf("%s requires --key", cmd.CommandPath())}
			}
			keys, err := kms.LoadEd25519KeyManager(keyPath, kid, defaultIssuer)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(keys.JWKS())
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "path to the private key or seed file")
	cmd.Flags().StringVar(&kid, "kid", defaultKeyID, "key id to publish")
	return cmd
}
