package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/jmcleod/cmpauth/api"
	"github.com/jmcleod/cmpauth/internal/util"
)

const maintenanceInterval = time.Minute

func newServerCmd(opts *rootOptions) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the CMP authentication server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, opts, listenAddr)
		},
	}
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address, overriding server.listen")
	return cmd
}

func runServer(cmd *cobra.Command, opts *rootOptions, listenAddr string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := opts.openEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg, logger := env.cfg, env.logger
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	for _, w := range cfg.Warnings() {
		logger.Warn("alias will reject every request", "warning", w)
	}

	eng, err := env.engine()
	if err != nil {
		return err
	}
	proxies, err := api.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid trusted proxy: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := api.New(eng,
		api.WithLogger(logger),
		api.WithOperator(cfg.OperatorPrincipal()),
		api.WithAliasSource(cfg),
		api.WithTrustedProxies(proxies),
		api.WithRateLimit(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithAuditWebhook(cfg.Server.AuditWebhook, cfg.Server.AuditWebhookAuth),
		api.WithAlertWebhook(cfg.Server.AlertWebhook),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("alert", "type", e.Type, "count", e.Count, "threshold", e.Threshold)
		}),
		api.WithRegistry(reg),
	)
	defer a.Close()
	go a.RunMaintenance(ctx, maintenanceInterval)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", a.Router())

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if !cfg.Server.Insecure {
		server.TLSConfig, err = serverTLSConfig(cfg.Server.TLSCert, cfg.Server.TLSKey, cmd)
		if err != nil {
			return err
		}
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.Insecure {
			err = server.ListenAndServe()
		} else {
			err = server.ListenAndServeTLS("", "")
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(cmd.OutOrStdout())
	logger.Info("server started",
		"listen", cfg.Server.Listen,
		"tls", !cfg.Server.Insecure,
		"backend", cfg.Storage.Backend,
		"aliases", cfg.AliasNames(),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func serverTLSConfig(certFile, keyFile string, cmd *cobra.Command) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if certFile != "" && keyFile != "" {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
