package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/server"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manages API keys in the quota ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <api-key>",
		Short: "Registers a new API key with a zero count",
		Args:  cobra.ExactArgs(1),
		RunE:  runKeysCreate,
	})
	return cmd
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	logger := zap.NewNop()
	store, err := server.OpenUsageStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rec, err := server.NewLedger(cfg, store, logger).
		RegisterKey(cmd.Context(), args[0], gateway.Today(time.Now()))
	if err != nil {
		return fmt.Errorf("register key: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"api_key":     rec.APIKey,
		"usage_count": rec.Count,
		"last_reset":  rec.LastReset,
	})
}
