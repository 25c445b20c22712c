package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/servalmesh/rhizome/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [moniker]",
		Short: "Initialize a new rhizome node",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}

	cmd.Flags().String("home", defaultHome(), "node home directory")

	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	moniker := args[0]
	homeDir, _ := cmd.Flags().GetString("home")

	dirs := []string{
		homeDir,
		filepath.Join(homeDir, "data"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generate author keypair: %w", err)
	}

	keyPath := filepath.Join(homeDir, "author_key.json")
	if err := writeAuthorKey(keyPath, pub, priv); err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	cfg.Moniker = moniker
	cfg.Store.DBPath = "data"
	configPath := filepath.Join(homeDir, "config.toml")
	if err := writeConfig(configPath, cfg); err != nil {
		return err
	}

	fmt.Printf("Initialized rhizome node\n")
	fmt.Printf("  Home:     %s\n", homeDir)
	fmt.Printf("  Moniker:  %s\n", moniker)
	fmt.Printf("  BID:      %s\n", hex.EncodeToString(pub))
	fmt.Printf("\nStart with: rhizoned start --home %s\n", homeDir)

	return nil
}

// authorKeyFile is the on-disk JSON shape of an author's Ed25519
// keypair: pub is the bundle signing identity (a BID when used to sign
// a self-authored bundle), priv is the matching BSK.
type authorKeyFile struct {
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

func writeAuthorKey(path string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	kf := authorKeyFile{PublicKey: pub, PrivateKey: priv}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal author key: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write author key: %w", err)
	}
	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
