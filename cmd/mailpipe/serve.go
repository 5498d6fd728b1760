package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailpipe/internal/config"
	"github.com/shineum/mailpipe/internal/metrics"
	"github.com/shineum/mailpipe/internal/smtp"
)

// metricsShutdownTimeout bounds the metrics endpoint drain on shutdown.
const metricsShutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SMTP listener and delivery workers",
	Long: `Start the SMTP submission listener, the delivery workers and the metrics
endpoint. Persisted queue items and quota usage are restored on startup.
SIGINT or SIGTERM shuts everything down gracefully.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	st, err := openState(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close storage", "error", err)
		}
	}()
	if err := recoverStuck(ctx, st.queue); err != nil {
		return err
	}

	lim, err := buildLimiters(ctx, cfg)
	if err != nil {
		return err
	}
	defer lim.closer()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	pipe, err := newPipeline(cfg, st, prov, lim)
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if !cfg.TLS.Disabled {
		tlsConfig, err = smtp.LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
	}

	server, err := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Submitter:      pipe,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxRecipients:  cfg.SMTP.MaxRecipients,
		IdleTimeout:    cfg.SMTP.IdleTimeout,
	})
	if err != nil {
		return err
	}

	slog.Info("starting mailpipe",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_enabled", tlsConfig != nil,
		"storage", cfg.Storage.Path,
		"workers", cfg.Queue.Workers,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})
	g.Go(func() error {
		return pipe.Run(ctx, cfg.Queue.Workers, cfg.Queue.PollInterval)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Listen, cfg.Metrics.Path)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("mailpipe stopped")
	return nil
}

// serveMetrics exposes the Prometheus registry until ctx is cancelled.
func serveMetrics(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}()

	slog.Info("metrics endpoint listening", "addr", addr, "path", path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
