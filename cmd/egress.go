package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/server"
)

func newEgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "egress",
		Short: "Inspects or rotates the VPN egress",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Prints the VPN client's connection state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			state, err := server.NewEgressController(cfg, zap.NewNop()).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("egress status: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), state)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Disconnects and reconnects the VPN client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			report, err := server.NewEgressController(cfg, zap.NewNop()).Rotate(cmd.Context())
			if err != nil {
				return fmt.Errorf("egress rotate: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	})
	return cmd
}
