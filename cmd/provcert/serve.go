package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"provcert/internal/config"
	"provcert/internal/health"
	"provcert/internal/httpapi"
	"provcert/internal/logging"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the owner API under /api and public verification under /verify.

The configuration file is watched. Log level and rate limits apply on the
fly; other changes are logged and take effect after a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides server.listen)")
	rootCmd.AddCommand(serveCmd)
}

func serverOptions(cfg *config.Config) httpapi.Options {
	rl := cfg.RateLimit
	return httpapi.Options{
		BaseURL:         cfg.Server.BaseURL,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Version:         version,
		RatePerSecond:   rl.PerSecond,
		RateBurst:       rl.Burst,
		RateIdle:        time.Duration(rl.CleanupMinutes) * time.Minute,
		MaxCodeFailures: rl.MaxCodeFailures,
		LockoutDuration: time.Duration(rl.LockoutMinutes) * time.Minute,
	}
}

func registerChecks(hc *health.Checker, a *app) {
	hc.RegisterFunc("database", true, health.DatabaseCheck(a.store.Ping))
	hc.RegisterFunc("signer", true, health.ErrorCheck(a.signerSelfTest))
	if a.cfg.Signing.SecretHex == "" {
		hc.RegisterFunc("signing_key", false, health.SecretFileCheck(a.cfg.Signing.SecretPath))
	}
	hc.Register(&health.Component{
		Name:     "audit_chain",
		Timeout:  30 * time.Second,
		Interval: time.Minute,
		Check: func(ctx context.Context) health.CheckResult {
			rep, err := a.store.VerifyAuditChain(ctx)
			if err != nil {
				return health.CheckResult{Status: health.StatusUnhealthy, Message: "audit chain broken", Error: err.Error()}
			}
			return health.CheckResult{
				Status:  health.StatusHealthy,
				Details: map[string]any{"entries": rep.Entries, "sealed": rep.Sealed},
			}
		},
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(resolveConfigPath())
	defer loader.Close()

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	hc := health.NewChecker()
	registerChecks(hc, a)

	tracer, err := newTracer(cfg, a)
	if err != nil {
		return err
	}
	defer tracer.Close()

	api := httpapi.New(serverOptions(cfg), httpapi.Deps{
		Service:   a.service,
		Documents: a.store,
		Health:    hc,
		Metrics:   a.metrics,
		Logger:    log,
		Audit:     a.audit,
		Tracer:    tracer,
	})
	defer api.Close()

	loader.OnChange(func(prev, next *config.Config) {
		ctx := context.Background()
		if fields := config.RestartRequired(prev, next); len(fields) > 0 {
			log.Warn("configuration changed, restart to apply", "settings", strings.Join(fields, ","))
		}
		if prev.Logging.Level != next.Logging.Level && !verbose {
			if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
				log.SetLevel(level)
				a.audit.LogConfigChange(ctx, "logging.level", prev.Logging.Level, next.Logging.Level)
			}
		}
		if prev.RateLimit != next.RateLimit {
			api.UpdateLimits(serverOptions(next))
			a.audit.LogConfigChange(ctx, "rate_limit", fmt.Sprintf("%+v", prev.RateLimit), fmt.Sprintf("%+v", next.RateLimit))
			log.Info("rate limits updated",
				"per_second", next.RateLimit.PerSecond,
				"burst", next.RateLimit.Burst,
			)
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload disabled", "error", err)
	} else {
		go func() {
			for err := range loader.Errors() {
				log.Error("config reload rejected", "path", loader.Path(), "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api,
		ReadTimeout:       cfg.ReadTimeout(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout(),
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	box, err := startInbox(ctx, a)
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	if box != nil {
		defer box.Stop()
		hc.RegisterFunc("inbox", false, func(context.Context) health.CheckResult {
			return health.CheckResult{
				Status:  health.StatusHealthy,
				Details: map[string]any{"dir": box.Dir(), "pending": box.Pending()},
			}
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	hc.SetReady(true)
	log.Info("provcert listening", "addr", cfg.Server.Listen, "version", version, "config", loader.Path())
	a.audit.LogStartup(ctx, version, map[string]any{
		"listen":  cfg.Server.Listen,
		"storage": cfg.Storage.Path,
		"issuer":  cfg.Signing.Issuer,
	})

	var serveErr error
	reason := "signal"
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		reason = "listener"
	}
	hc.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	a.audit.LogShutdown(context.Background(), reason, serveErr)
	log.Info("provcert stopped", "reason", reason)
	return serveErr
}
