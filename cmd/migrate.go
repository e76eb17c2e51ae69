package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ledger schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		fmt.Printf("migrated %s store\n", cfg.Store.Driver)
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Purge expired nonces from the replay-protection table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		n, err := st.PurgeExpiredNonces(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d expired nonces\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, gcCmd)
}
