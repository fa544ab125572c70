package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/titanhq/execution-core/internal/config"
	"github.com/titanhq/execution-core/internal/logging"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "execd",
	Short: "Titan execution core: signal ingestion, risk gates, and order execution",
	Long: `execd is the execution core of the automated trading service: it admits
authenticated signals, validates them against microstructure and safety
constraints, routes them through a phased risk regime, executes orders
against the configured broker adapter, and maintains the authoritative
shadow state reconciled against that broker.`,
	RunE: runServe,
}

var (
	flagPretty bool
)

var flagResetArmAddr string

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "use human-readable console log output instead of JSON")
	resetArmCmd.Flags().StringVar(&flagResetArmAddr, "addr", "http://localhost:8080", "base URL of the running execd instance")
	rootCmd.AddCommand(healthCmd, serveCmd, resetArmCmd, versionCmd)
}

// serveCmd is the explicit name for the root command's default action; the
// bare `execd` invocation keeps working via rootCmd.RunE for operators used
// to the old form.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the execution core, serving the webhook and websocket/admin HTTP surface",
	RunE:  runServe,
}

// resetArmCmd is a thin HTTP client: it re-arms a RUNNING execd process by
// calling its admin endpoint, since a CLI invocation is a separate process
// from the server holding the dead-man-switch/drift-guard/master-arm
// state.
var resetArmCmd = &cobra.Command{
	Use:   "reset-arm",
	Short: "Re-arm a running execution core after a dead-man-switch or drift-guard trip",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := strings.TrimRight(flagResetArmAddr, "/") + "/admin/reset-arm"
		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			return fmt.Errorf("reset-arm request failed: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("reset-arm request returned %s", resp.Status)
		}
		fmt.Println("armed")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the execd build version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version)
		return nil
	},
}

// healthCmd is an operational smoke-test: load config, construct every
// component, and confirm the broker adapter answers, without serving
// traffic. Useful for CI / deploy-gate checks.
var healthCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Validate configuration and broker connectivity, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New("info", flagPretty, "execd")
		cfg := config.Load(log)
		app, err := newApp(cfg, log)
		if err != nil {
			return fmt.Errorf("construct app: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.gateway.TestConnection(ctx); err != nil {
			return fmt.Errorf("broker connectivity check failed: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.New("info", flagPretty, "execd")
	cfg := config.Load(log)
	log = logging.New(cfg.LogLevel, flagPretty, "execd")

	app, err := newApp(cfg, log)
	if err != nil {
		return fmt.Errorf("construct app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go app.run(ctx)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: app.router(),
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("execution core listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown did not complete cleanly")
	}
	if app.db != nil {
		_ = app.db.Close()
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
