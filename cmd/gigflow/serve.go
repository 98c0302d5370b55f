package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"gigflow/internal/app"
	"gigflow/internal/realtime"
	"gigflow/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if cfg.Auth.JWTSecret == "" {
					return fmt.Errorf("GIGFLOW_JWT_SECRET is required for session tokens")
				}
				if cmd.Flags().Changed("addr") {
					cfg.Server.Addr = addr
				}
				if cmd.Flags().Changed("base-path") {
					cfg.Server.BasePath = basePath
				}

				registry := realtime.NewRegistry()
				e := rt.Engine()
				e.Notifier = realtime.NewDispatcher(registry, rt.Logger.With("component", "dispatcher"))
				users := rt.Auth()

				handler, err := server.New(server.Config{
					Engine:   e,
					Users:    users,
					Registry: registry,
					BasePath: cfg.Server.BasePath,
					Auth: server.AuthConfig{
						Tokens:       users.Tokens,
						CookieName:   cfg.Auth.CookieName,
						CookieSecure: cfg.Auth.CookieSecure,
					},
					AllowedOrigins: cfg.Server.AllowedOrigins,
					Realtime: realtime.WSOptions{
						SendBuffer:   cfg.Realtime.SendBuffer,
						WriteTimeout: cfg.Realtime.WriteTimeout,
						PongTimeout:  cfg.Realtime.PongTimeout,
					},
					Logger: rt.Logger,
				})
				if err != nil {
					return err
				}

				relay := &server.WebhookRelay{
					Source: rt.Repo,
					Hooks:  cfg.Webhooks,
					Client: &http.Client{},
					Logger: rt.Logger.With("component", "webhooks"),
				}
				go relay.Run(ctx)

				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					// Closing the registry ends every websocket; Shutdown does not
					// track hijacked connections.
					_ = registry.Close()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving gigflow API",
					"addr", cfg.Server.Addr,
					"base_path", cfg.Server.BasePath,
					"openapi", cfg.Server.BasePath+"/openapi.json",
					"docs", "/docs",
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}
