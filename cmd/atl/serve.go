package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"attestline/internal/app"
	"attestline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var tokenTTL time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), TokenTTL: tokenTTL}
				if authCfg.JWTSecret == "" {
					a.Logger.Warn("ATTESTLINE_JWT_SECRET not set; only API key auth is available")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Registry: a.Registry,
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				hooks := server.NewWebhookDispatcher(a.Engine.Ledger, a.Config.Webhooks, a.Logger, a.Engine.Metrics)
				go hooks.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath), zap.Int("webhooks", len(a.Config.Webhooks)))
				fmt.Fprintf(cmd.OutOrStdout(), "Serving Attestline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", time.Hour, "lifetime of tokens minted by /auth/login")
	return cmd
}
