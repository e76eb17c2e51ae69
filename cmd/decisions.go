package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/paygate/internal/store"
)

var (
	decisionsCaller string
	decisionsDeny   bool
	decisionsAllow  bool
	decisionsLimit  int
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List policy decision audit records, newest first",
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

		decisions, err := st.ListDecisions(ctx, store.DecisionFilter{
			CallerID:  decisionsCaller,
			AllowOnly: decisionsAllow,
			DenyOnly:  decisionsDeny,
			Limit:     decisionsLimit,
		})
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(decisions)
	},
}

func init() {
	decisionsCmd.Flags().StringVar(&decisionsCaller, "caller", "", "filter by caller ID")
	decisionsCmd.Flags().BoolVar(&decisionsDeny, "deny", false, "only denied payments")
	decisionsCmd.Flags().BoolVar(&decisionsAllow, "allow", false, "only allowed payments")
	decisionsCmd.Flags().IntVar(&decisionsLimit, "limit", 50, "max records to return")
	rootCmd.AddCommand(decisionsCmd)
}
