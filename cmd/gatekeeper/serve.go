package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/gatekeeper/pkg/api"
	"github.com/Mindburn-Labs/gatekeeper/pkg/auth"
	"github.com/Mindburn-Labs/gatekeeper/pkg/limiter"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		GroupID: "server",
		Short:   "Run the HTTP API",
		Long: `Run the gatekeeper HTTP API.

Endpoints:
  POST /v1/actions                   signed inbound agent actions (X-Signature)
  GET  /v1/executions/{id}           execution status (operator JWT)
  POST /v1/executions/{id}/approve   sign off a suspended execution
  POST /v1/executions/{id}/reject    reject a suspended execution
  GET  /health`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(c.stderr, cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			var rl limiter.Store = limiter.NewMemoryStore()
			if rt.redis != nil {
				rl = limiter.NewRedisStore(rt.redis)
			}

			var fwd *api.Forwarder
			if cfg.WebhookURL != "" {
				fwd, err = api.NewGuardedForwarder(cfg.WebhookURL, cfg.SSRF, cfg.WebhookTimeout)
				if err != nil {
					return err
				}
				defer fwd.Wait()
			}
			if cfg.SigningSecret == "" {
				logger.WarnContext(ctx, "ACTION_SIGNING_SECRET is not set; every inbound action will be rejected")
			}

			apiCfg := api.Config{
				Engine:        rt.engine,
				Receipts:      rt.sink,
				Forwarder:     fwd,
				SigningSecret: []byte(cfg.SigningSecret),
				Operators:     auth.NewValidator([]byte(cfg.OperatorJWT), cfg.JWTIssuer),
				Limiter:       rl,
				RatePolicy:    cfg.RateLimit,
				Middlewares:   []func(http.Handler) http.Handler{rt.telemetry.Middleware},
				Logger:        logger,
			}
			if rt.index != nil {
				apiCfg.ReceiptIndex = rt.index
			}
			srv := api.NewServer(apiCfg)
			return listen(ctx, logger, ":"+cfg.Port, srv.Handler())
		},
	}
}

// listen serves until ctx is cancelled, then drains for up to 15s.
func listen(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "gatekeeper listening", "addr", addr, "version", version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	logger.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
