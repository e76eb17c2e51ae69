package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/paygate/internal/payer"
	"github.com/sells-group/paygate/internal/policy"
	"github.com/sells-group/paygate/internal/signer"
)

var (
	callMethod  string
	callData    string
	callAutoPay bool
	callJSON    bool
)

var callCmd = &cobra.Command{
	Use:   "call URL",
	Short: "Call a priced endpoint, paying per the local spend policy",
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

		pol, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			return err
		}

		if cfg.Signer.Seed == "" {
			return eris.New("signer seed is required (PAYGATE_SIGNER_SEED)")
		}
		sg, err := signer.NewLocal(cfg.Signer.Seed)
		if err != nil {
			return err
		}

		client := payer.New(pol, st, sg, payer.Options{
			CallerID:      cfg.Client.CallerID,
			AutoPay:       callAutoPay || cfg.Client.AutoPay,
			MaxRetries:    cfg.Client.MaxRetries,
			StrictReserve: cfg.Client.StrictReserve,
			HTTPClient:    &http.Client{Timeout: time.Duration(cfg.Client.TimeoutSecs) * time.Second},
		})

		var body io.Reader
		if callData != "" {
			body = strings.NewReader(callData)
		}

		res, err := client.Call(ctx, callMethod, args[0], body)
		if err != nil {
			var blocked *payer.PolicyBlockedError
			if errors.As(err, &blocked) {
				return printBlocked(blocked)
			}
			return err
		}
		defer res.Response.Body.Close()

		respBody, err := io.ReadAll(res.Response.Body)
		if err != nil {
			return eris.Wrap(err, "read response body")
		}

		if callJSON {
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"status":     res.Response.StatusCode,
				"paid":       res.Paid,
				"price_usd":  res.PriceUSD,
				"receipt_id": res.ReceiptID,
				"body":       string(respBody),
			})
		}

		if res.Paid {
			fmt.Fprintf(os.Stderr, "paid $%.4f (receipt %s)\n", res.PriceUSD, res.ReceiptID)
		}
		zap.L().Debug("call complete",
			zap.Int("status", res.Response.StatusCode),
			zap.Bool("paid", res.Paid))
		fmt.Println(string(respBody))
		return nil
	},
}

func printBlocked(blocked *payer.PolicyBlockedError) error {
	out := map[string]any{
		"blocked":  true,
		"rule":     blocked.Decision.RuleID,
		"reason":   blocked.Decision.Reason,
		"decision": blocked.Decision,
	}
	if blocked.Challenge != nil {
		out["price_usd"] = blocked.Challenge.Extra.PriceUSD
	}
	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		return err
	}
	return eris.New("payment blocked by policy")
}

func init() {
	callCmd.Flags().StringVarP(&callMethod, "method", "X", http.MethodGet, "HTTP method")
	callCmd.Flags().StringVarP(&callData, "data", "d", "", "request body")
	callCmd.Flags().BoolVar(&callAutoPay, "pay", false, "pay without confirmation, overriding config")
	callCmd.Flags().BoolVar(&callJSON, "json", false, "emit the result as JSON")
	rootCmd.AddCommand(callCmd)
}
