package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Key management commands",
	}

	cmd.AddCommand(keysGenerateCmd())
	cmd.AddCommand(keysShowCmd())

	return cmd
}

func keysGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new Ed25519 author keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			pub, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}

			if output != "" {
				if err := writeAuthorKey(output, pub, priv); err != nil {
					return err
				}
				fmt.Printf("Key saved to %s\n", output)
			}

			fmt.Printf("BID (public key):  %s\n", hex.EncodeToString(pub))
			return nil
		},
	}

	cmd.Flags().String("output", "", "file path to save the key (JSON format)")

	return cmd
}

func keysShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the node's author key information",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeDir, _ := cmd.Flags().GetString("home")
			keyPath := filepath.Join(homeDir, "author_key.json")

			data, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}

			var kf authorKeyFile
			if err := json.Unmarshal(data, &kf); err != nil {
				return fmt.Errorf("parse key file: %w", err)
			}

			fmt.Printf("BID (public key):  %s\n", hex.EncodeToString(kf.PublicKey))
			return nil
		},
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")

	return cmd
}
