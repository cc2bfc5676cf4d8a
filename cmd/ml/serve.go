package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := openConsole(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			cfg := c.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			logger := log.New(os.Stderr, "", log.LstdFlags)
			authCfg := server.AuthConfig{
				JWTSecret: cfg.Auth.JWTSecret,
				Required:  cfg.Auth.Required,
				DevLogin:  cfg.Auth.DevLogin,
				Logger:    logger,
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				authCfg.JWTSecret = secret
			}
			if authCfg.DevLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("auth.dev_login needs a JWT secret (MISSIONLINE_JWT_SECRET)")
			}
			handler, err := server.New(server.Config{Console: c, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, c.Repo, cfg.Webhooks, logger)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "Serving Missionline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, live objectives at %s/ws)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from missionline.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from missionline.yml)")
	return cmd
}
