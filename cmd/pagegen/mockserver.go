package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rcourtman/pagegen/internal/mockapi"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var mockShutdownTimeout = 5 * time.Second

func newMockServerCmd() *cobra.Command {
	var (
		listen   string
		fixtures = mockapi.DefaultFixtures
	)
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run the in-memory development backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			if listen == "" && cfg != nil {
				listen = cfg.MockListen
			}
			gin.SetMode(gin.ReleaseMode)

			backend, err := mockapi.New(mockapi.Config{})
			if err != nil {
				return err
			}
			userID, err := mockapi.Seed(backend, fixtures)
			if err != nil {
				return fmt.Errorf("seed fixtures: %w", err)
			}

			srv := &http.Server{
				Addr:              listen,
				Handler:           backend.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), mockShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to shut down mock server cleanly")
				}
			}()

			log.Info().
				Str("addr", listen).
				Str("user_id", userID).
				Str("email", fixtures.Email).
				Msg("Mock backend listening")
			fmt.Fprintf(cmd.OutOrStdout(), "Mock backend on http://%s (login: %s / %s)\n", listen, fixtures.Email, fixtures.Password)

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default PAGEGEN_MOCK_LISTEN)")
	cmd.Flags().StringVar(&fixtures.Email, "email", fixtures.Email, "demo user email")
	cmd.Flags().StringVar(&fixtures.Password, "password", fixtures.Password, "demo user password")
	cmd.Flags().IntVar(&fixtures.ProductCount, "products", fixtures.ProductCount, "number of demo products")
	cmd.Flags().Int64Var(&fixtures.UsagePerGrant, "usage", fixtures.UsagePerGrant, "uses granted per product")
	return cmd
}
