package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/geovera/agentd/internal/api"
	"github.com/geovera/agentd/internal/config"
	"github.com/geovera/agentd/internal/storage"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key",
	Long: `Issue a new API key.

The raw key is printed exactly once; only its hash is stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			return fmt.Errorf("--name is required")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		raw, err := generateKey()
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}

		key := storage.APIKey{
			ID:        uuid.New().String(),
			Name:      name,
			HashedKey: api.HashKey(raw),
			IsActive:  true,
		}
		if err := store.CreateAPIKey(key); err != nil {
			return fmt.Errorf("saving key: %w", err)
		}

		printSuccess("Created key %q (%s)", name, key.ID)
		fmt.Println(raw)
		printWarning("Store this key now — it cannot be shown again.")
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		keys, err := store.ListAPIKeys()
		if err != nil {
			return fmt.Errorf("listing keys: %w", err)
		}
		if len(keys) == 0 {
			printWarning("No API keys issued yet. Run: agentd keys create --name <name>")
			return nil
		}

		for _, k := range keys {
			state := "active"
			if !k.IsActive {
				state = "revoked"
			}
			lastUsed := "never"
			if !k.LastUsedAt.IsZero() {
				lastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("  %s  %-20s %-8s last used: %s\n", k.ID, k.Name, state, lastUsed)
		}
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RevokeAPIKey(args[0]); err != nil {
			return fmt.Errorf("revoking key: %w", err)
		}
		printSuccess("Revoked key %s", args[0])
		return nil
	},
}

func openStore() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// generateKey returns a new raw key: the fixed prefix plus 32 hex chars of
// entropy.
func generateKey() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "sk_char_" + hex.EncodeToString(buf[:]), nil
}

func init() {
	keysCreateCmd.Flags().String("name", "", "human-readable name for the key")
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRevokeCmd)
}
