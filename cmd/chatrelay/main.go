package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/chatrelay/internal/config"
	"github.com/cortexuvula/chatrelay/internal/gateway"
	"github.com/cortexuvula/chatrelay/internal/health"
	"github.com/cortexuvula/chatrelay/internal/logging"
	"github.com/cortexuvula/chatrelay/internal/metrics"
	"github.com/cortexuvula/chatrelay/internal/room"
	"github.com/cortexuvula/chatrelay/internal/security"
	"github.com/cortexuvula/chatrelay/internal/store"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "Two-party chat server with a JSON API and live WebSocket rooms",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatrelay %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  Store: %s\n", store.Redact(cfg.Store.URI))
			fmt.Printf("  Require token: %v\n", cfg.Auth.RequireToken)
			fmt.Printf("  Health: %s\n", cfg.Monitoring.HealthEndpoint)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:5000/healthz", "Health endpoint URL")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	lj := logging.Setup(cfg.Logging)
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting chatrelay",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"store", store.Redact(cfg.Store.URI),
		"require_token", cfg.Auth.RequireToken,
	)

	// The store must answer before anything is served.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.ConnectTimeout)
	db, err := store.Open(ctx, cfg.Store)
	if err == nil {
		err = db.Ping(ctx)
	}
	cancel()
	if err != nil {
		slog.Error("chat store unavailable", "store", store.Redact(cfg.Store.URI), "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	var tokens *security.Tokens
	if cfg.Auth.TokenSecret != "" {
		tokens = security.NewTokens(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	}

	var authLimiter *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		authLimiter = security.NewRateLimiter(security.PerMinute(cfg.Security.RateLimit.AuthRequestsPerMinute))
		defer authLimiter.Stop()
		slog.Info("rate limiting enabled",
			"auth_requests_per_minute", cfg.Security.RateLimit.AuthRequestsPerMinute,
			"messages_per_second", cfg.Security.RateLimit.MessagesPerSecond,
		)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	registry := room.NewRegistry(db, m)
	rooms := room.NewService(registry, db, db, m)

	srv := gateway.NewServer(cfg, db, rooms, tokens, shutdownCtx)
	srv.AuthLimiter = authLimiter
	srv.Metrics = m

	healthHandler := health.NewHandler(db, srv.Tracker, registry, Version, cfg.Monitoring.HealthDetailed)
	healthHandler.SetProblems(logging.Problems())
	if m != nil {
		healthHandler.SetMetrics(m)
		srv.MetricsHandler = promhttp.Handler()
	}
	srv.Health = healthHandler

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           srv.Router(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("chatrelay listening", "address", cfg.Server.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Start watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case err := <-serveErr:
			slog.Error("server error", "error", err)
			return err

		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				cfg = reload(configPath, cfg, srv, authLimiter, tokens)
				continue
			}

			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)
			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
			defer cancel()

			// Live connections are hijacked, so Shutdown does not wait for them.
			srv.StartDrain()
			if err := httpServer.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown incomplete", "error", err)
			}
			if err := srv.WaitConnections(ctx); err != nil {
				slog.Warn("live connections still open after drain timeout", "remaining", srv.Tracker.ConnectionCount())
				shutdownCancel()
			}
			registry.Close()

			slog.Info("shutdown complete")
			return nil
		}
	}
}

// reload applies the reloadable parts of the config file and returns the
// config now in effect.
func reload(configPath string, cfg *config.Config, srv *gateway.Server, authLimiter *security.RateLimiter, tokens *security.Tokens) *config.Config {
	slog.Info("received SIGHUP, reloading config")
	newCfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return cfg
	}

	for _, w := range config.IsReloadSafe(cfg, newCfg) {
		slog.Warn("config reload warning", "warning", w)
	}

	updated := cfg.ApplyReloadableFields(newCfg)
	srv.UpdateConfig(updated)
	logging.SetLevel(updated.Logging.Level)

	if authLimiter != nil && updated.Security.RateLimit.Enabled {
		authLimiter.UpdateRate(security.PerMinute(updated.Security.RateLimit.AuthRequestsPerMinute))
	}
	if tokens != nil {
		tokens.SetTTL(updated.Auth.TokenTTL)
	}

	slog.Info("config reloaded successfully")
	return updated
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=chatrelay - two-party chat server
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=chatrelay
Group=chatrelay
EnvironmentFile=-/etc/chatrelay/chatrelay.env
ExecStartPre=/usr/local/bin/chatrelay validate --config /etc/chatrelay/config.yaml
ExecStart=/usr/local/bin/chatrelay start --config /etc/chatrelay/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/chatrelay
LogsDirectory=chatrelay
StateDirectory=chatrelay
LimitNOFILE=65535

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=chatrelay

[Install]
WantedBy=multi-user.target
`)
}
