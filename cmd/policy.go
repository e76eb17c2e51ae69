package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/paygate/internal/model"
	"github.com/sells-group/paygate/internal/policy"
)

var (
	policyPrice float64
	policyURL   string
	policyTrace bool
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the local spend policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a hypothetical payment against the policy and current spend",
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

		pol, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			return err
		}

		req, err := model.NewPaymentRequest(policyURL, policyPrice, cfg.Client.CallerID)
		if err != nil {
			return err
		}
		sc, err := st.SpendContext(ctx, cfg.Client.CallerID)
		if err != nil {
			return err
		}

		decision := policy.Evaluate(pol, req, sc, policy.EvalOptions{FullTrace: policyTrace})
		return json.NewEncoder(os.Stdout).Encode(decision)
	},
}

var policyBudgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show remaining daily and weekly budget for the configured caller",
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

		pol, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			return err
		}
		sc, err := st.SpendContext(ctx, cfg.Client.CallerID)
		if err != nil {
			return err
		}

		daily, weekly := policy.RemainingBudget(pol, sc)
		out := map[string]any{
			"caller_id":            cfg.Client.CallerID,
			"daily_spent_usd":      sc.DailySpentUSD,
			"daily_remaining_usd":  daily,
			"weekly_spent_usd":     sc.WeeklySpentUSD,
			"weekly_remaining_usd": weekly,
			"daily_call_count":     sc.DailyCallCount,
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	},
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the policy file",
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			return err
		}
		fmt.Printf("policy %q ok: daily cap $%.2f, per-call cap $%.2f\n",
			pol.ID, pol.DailyCapUSD, pol.PerCallCapUSD)
		return nil
	},
}

func init() {
	policyCheckCmd.Flags().Float64Var(&policyPrice, "price", 0, "price in USD to check")
	policyCheckCmd.Flags().StringVar(&policyURL, "url", "", "endpoint URL to check")
	policyCheckCmd.Flags().BoolVar(&policyTrace, "trace", false, "record every rule outcome, not just the first failure")
	policyCheckCmd.MarkFlagRequired("price")
	policyCheckCmd.MarkFlagRequired("url")

	policyCmd.AddCommand(policyCheckCmd, policyBudgetCmd, policyValidateCmd)
	rootCmd.AddCommand(policyCmd)
}
