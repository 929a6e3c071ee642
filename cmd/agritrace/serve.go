package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agritrace/internal/adapters/httpapi"
	"agritrace/internal/config"
	"agritrace/internal/core"
)

const shutdownGrace = 15 * time.Second

// drainTimeout covers a request that is waiting on ledger inclusion and then
// mirrors the commit off-chain, so Close never runs under it.
func drainTimeout(cfg config.Config) time.Duration {
	need := cfg.Ledger.SubmitTimeout + core.DefaultMirrorTimeout
	if need < shutdownGrace {
		return shutdownGrace
	}
	return need
}

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API",
		Example: `  agritrace serve
  AGRITRACE_STORAGE_DRIVER=postgres agritrace serve --addr :9090`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("close resources", "error", err)
				}
			}()

			handler, err := httpapi.New(a.svc, httpapi.Options{
				JWTSecret: []byte(cfg.HTTP.JWTSecret),
				Gatherer:  a.registry,
				Drivers:   a.drivers,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			if cfg.HTTP.JWTSecret == "" {
				logger.Warn("no JWT secret configured; trusting X-Agritrace-* caller headers")
			}
			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", "addr", cfg.HTTP.Addr, "drivers", a.drivers)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			logger.Info("shutting down", "drain_timeout", drainTimeout(cfg))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout(cfg))
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides AGRITRACE_HTTP_ADDR)")
	return cmd
}
