package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/agentpool/pkg/alert"
	"github.com/cuemby/agentpool/pkg/config"
	"github.com/cuemby/agentpool/pkg/log"
	"github.com/cuemby/agentpool/pkg/metrics"
	"github.com/cuemby/agentpool/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentpoold",
	Short: "Agent pool - multi-tenant runtime for stateful conversational agent instances",
	Long: `agentpoold runs the agent instance pool: it classifies projects into
hot/warm/cold tiers, keeps one stateful agent instance alive per
tenant/project/mode, and recovers from failures by restarting, replaying
checkpoints, or downgrading tier - all as a single long-running process.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentpoold version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(serveCmd, statusCmd)

	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen", "127.0.0.1:8090", "Admin HTTP listen address")
	serveCmd.Flags().String("alert-webhook", "", "Webhook URL for escalation alerts (defaults to no-op sink)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent pool orchestrator and admin HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
		metrics.SetVersion(Version)

		cfgPath, _ := cmd.Flags().GetString("config")
		listen, _ := cmd.Flags().GetString("listen")
		webhookURL, _ := cmd.Flags().GetString("alert-webhook")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		var sink alert.Sink
		if webhookURL != "" {
			sink = alert.NewWebhookSink(webhookURL)
		}

		orch, err := orchestrator.New(cfg, sink)
		if err != nil {
			return fmt.Errorf("build orchestrator: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := orch.Start(ctx); err != nil {
			return fmt.Errorf("start orchestrator: %w", err)
		}
		metrics.RegisterComponent("pool_manager", true, "")
		metrics.RegisterComponent("checkpoint_store", cfg.EnableStateRecovery, "state recovery disabled")
		metrics.RegisterComponent("api", true, "")

		srv := newAdminServer(listen, orch)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("admin server stopped unexpectedly")
			}
		}()
		log.Logger.Info().Str("addr", listen).Msg("admin server listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		_ = srv.Shutdown(shutdownCtx)
		if err := orch.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stop orchestrator: %w", err)
		}
		log.Logger.Info().Msg("shutdown complete")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running agent pool's admin status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = "127.0.0.1:8090"
		}
		resp, err := http.Get(fmt.Sprintf("http://%s/status", listen))
		if err != nil {
			return fmt.Errorf("query status: %w", err)
		}
		defer resp.Body.Close()

		var status orchestrator.Status
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

func init() {
	statusCmd.Flags().String("listen", "127.0.0.1:8090", "Admin HTTP address to query")
}

func newAdminServer(addr string, orch *orchestrator.Orchestrator) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orch.GetStatus())
	})
	if reg := orch.Registry(); reg != nil {
		mux.Handle("/metrics", reg.Handler())
	}
	return &http.Server{Addr: addr, Handler: mux}
}
