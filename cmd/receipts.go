package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/paygate/internal/store"
)

var (
	receiptsBuyer string
	receiptsLimit int
)

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "Inspect stored payment receipts",
}

var receiptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List receipts, newest first",
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

		receipts, err := st.ListReceipts(ctx, store.ReceiptFilter{
			Buyer: receiptsBuyer,
			Limit: receiptsLimit,
		})
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(receipts)
	},
}

var receiptsGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one receipt",
	Args:  cobra.ExactArgs(1),
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

		receipt, err := st.GetReceipt(ctx, args[0])
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(receipt)
	},
}

func init() {
	receiptsListCmd.Flags().StringVar(&receiptsBuyer, "buyer", "", "filter by buyer address")
	receiptsListCmd.Flags().IntVar(&receiptsLimit, "limit", 50, "max receipts to return")

	receiptsCmd.AddCommand(receiptsListCmd, receiptsGetCmd)
	rootCmd.AddCommand(receiptsCmd)
}
