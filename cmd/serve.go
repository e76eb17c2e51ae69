package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/paygate/internal/model"
	"github.com/sells-group/paygate/internal/monitoring"
	"github.com/sells-group/paygate/internal/paywall"
	"github.com/sells-group/paygate/internal/policy"
	"github.com/sells-group/paygate/internal/resilience"
	"github.com/sells-group/paygate/internal/store"
)

var (
	servePort     int
	serveUpstream string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the payment gateway in front of an upstream service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		upstream := serveUpstream
		if upstream == "" {
			upstream = cfg.Server.UpstreamURL
		}
		if upstream == "" {
			return eris.New("upstream URL is required (--upstream or PAYGATE_SERVER_UPSTREAM_URL)")
		}
		target, err := url.Parse(upstream)
		if err != nil {
			return eris.Wrap(err, "parse upstream URL")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		pw := paywall.New(cfg.Pricing.Table(), st, st, paywall.Config{
			ChallengeTimeout: time.Duration(cfg.Server.ChallengeTimeoutSecs) * time.Second,
			NonceTTL:         time.Duration(cfg.Server.NonceTTLHours) * time.Hour,
			MintRate:         rate.Limit(cfg.Server.MintRatePerSec),
			MintBurst:        cfg.Server.MintBurst,
		})
		defer pw.Close()

		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			zap.L().Error("upstream proxy error", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, `{"error":"upstream unavailable"}`, http.StatusBadGateway)
		}

		r := chi.NewRouter()
		r.Use(chimiddleware.RequestID)
		r.Use(chimiddleware.RealIP)
		r.Use(chimiddleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"*"},
		}))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})

		r.Route("/paygate", func(r chi.Router) {
			r.Get("/receipts", listReceiptsHandler(st))
			r.Get("/receipts/{id}", getReceiptHandler(st))
			r.Get("/dlq", dlqHandler(pw))
		})

		r.Handle("/*", pw.Handler(proxy))

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting payment gateway",
				zap.Int("port", port),
				zap.String("upstream", upstream))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Expired nonces accumulate; sweep them hourly.
		g.Go(func() error {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					n, err := st.PurgeExpiredNonces(gctx)
					if err != nil {
						zap.L().Warn("nonce purge failed", zap.Error(err))
						continue
					}
					if n > 0 {
						zap.L().Info("purged expired nonces", zap.Int("count", n))
					}
				}
			}
		})

		if cfg.Monitor.WebhookURL != "" {
			var pol *model.Policy
			if p, err := policy.LoadFile(cfg.Policy.File); err == nil {
				pol = p
			} else {
				zap.L().Warn("monitoring without policy caps", zap.Error(err))
			}
			collector := monitoring.NewCollector(st, pw.DLQ(), cfg.Client.CallerID, pol)
			alerter := monitoring.NewAlerter(monitoring.Thresholds{
				DenyRate:          cfg.Monitor.DenyRateThreshold,
				BudgetUtilization: cfg.Monitor.BudgetThreshold,
				WebhookURL:        cfg.Monitor.WebhookURL,
			})
			checker := monitoring.NewChecker(collector, alerter,
				time.Duration(cfg.Monitor.CheckIntervalSecs)*time.Second,
				cfg.Monitor.LookbackWindowHours)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down gateway")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func listReceiptsHandler(st store.ReceiptStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		receipts, err := st.ListReceipts(r.Context(), store.ReceiptFilter{
			Buyer: r.URL.Query().Get("buyer"),
			Limit: limit,
		})
		if err != nil {
			zap.L().Error("list receipts", zap.Error(err))
			http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(receipts)
	}
}

func getReceiptHandler(st store.ReceiptStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		receipt, err := st.GetReceipt(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, `{"error":"receipt not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(receipt)
	}
}

func dlqHandler(pw *paywall.Middleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pw.DLQ().List(resilience.DLQFilter{
			ErrorType: r.URL.Query().Get("error_type"),
			Limit:     limit,
		}))
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "upstream base URL to protect")
	rootCmd.AddCommand(serveCmd)
}
