package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/metrics"
	"Go2NetSession/internal/query"
)

// NewAPICommand serves the session query API over ClickHouse.
func NewAPICommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP session query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(settings(cmd))
			if err != nil {
				return err
			}
			log := newLogger(cmd, cfg)

			querier, err := query.NewClickHouseQuerier(apiClickHouse(cfg))
			if err != nil {
				return fmt.Errorf("failed to create querier: %w", err)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return serveAPI(ctx, cfg.API.ListenAddr, querier, log)
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address, e.g. :8080")
	return cmd
}

// apiClickHouse prefers the first enabled ClickHouse writer so the API reads
// what the analyzer wrote, falling back to the api section.
func apiClickHouse(cfg *config.Config) config.ClickHouseConfig {
	for _, w := range cfg.Output.Writers {
		if w.Enabled && w.Type == "clickhouse" {
			return w.ClickHouse
		}
	}
	return cfg.API.ClickHouse
}

func serveAPI(ctx context.Context, addr string, q query.Querier, log logrus.FieldLogger) error {
	m := metrics.New()
	r := query.NewRouter(q, log)
	r.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("API server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("API server shutting down...")
	shutdownHTTP(srv, log)
	log.Info("API server exited.")
	return nil
}
