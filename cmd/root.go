package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/paygate/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "paygate",
	Short: "Per-request payment gateway and paying client",
	Long:  "Fronts priced HTTP endpoints with 402 payment challenges, verifies payment proofs with replay protection, and drives caller-side pay-and-retry under a local spend policy.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
