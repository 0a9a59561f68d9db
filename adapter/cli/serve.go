package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/felixgeelhaar/lingomarket/adapter/api"
	"github.com/spf13/cobra"
)

var (
	serveAddr            string
	serveShutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API: the cron trigger for the trial expiration scan,
post-trial payment intents, the Stripe webhook, billing read models,
in-app notifications, /health and /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil {
			return errors.New("serve requires database connection")
		}

		cfg := api.DefaultServerConfig()
		if app.HTTPAddr != "" {
			cfg.Addr = app.HTTPAddr
		}
		if serveAddr != "" {
			cfg.Addr = serveAddr
		}

		return runServer(cmd.Context(), api.NewServer(cfg, app.HTTP, Logger()), serveShutdownTimeout)
	},
}

// runServer blocks until ctx is cancelled or the listener fails.
func runServer(ctx context.Context, srv *api.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from HTTP_ADDR)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second, "grace period for in-flight requests")
	rootCmd.AddCommand(serveCmd)
}
