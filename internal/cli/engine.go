package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/emit"
	"Go2NetSession/internal/engine/manager"
	"Go2NetSession/internal/factory"
	"Go2NetSession/internal/metrics"
	"Go2NetSession/internal/model"
	"Go2NetSession/internal/probe"
	"Go2NetSession/internal/server"
)

// NewEngineCommand runs the streaming sessionizer fed by NATS.
func NewEngineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Sessionize flow records from NATS as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(settings(cmd))
			if err != nil {
				return err
			}
			log := newLogger(cmd, cfg)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runEngine(ctx, cfg, log)
		},
	}

	flags := cmd.Flags()
	flags.String("idle-timeout", "", "Idle timeout, e.g. 60s or 60 (seconds)")
	flags.Int("workers", 0, "Number of sessionizer workers")
	flags.String("nats-url", "", "NATS server URL")
	flags.String("subject", "", "NATS subject carrying flow records")
	return cmd
}

func runEngine(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := factory.Check(cfg); err != nil {
		return err
	}
	m := metrics.New()
	runID := uuid.New()
	entry := log.WithFields(logrus.Fields{"component": "engine", "run_id": runID})

	writers, err := factory.Create(cfg, factory.Env{RunID: runID, Log: entry})
	if err != nil {
		return err
	}
	defer func() {
		if err := emit.CloseAll(writers); err != nil {
			entry.Errorf("Failed to close writers: %v", err)
		}
	}()

	mgr, err := manager.NewManager(cfg, writers, entry, m)
	if err != nil {
		return err
	}
	mgr.Start()

	health := server.New(entry)
	if err := health.Listen(cfg.Engine.GRPCListenAddr); err != nil {
		mgr.Stop()
		return err
	}
	defer health.Stop()

	metricsSrv := serveMetrics(cfg.Engine.MetricsListenAddr, m, entry)

	sub, err := probe.NewSubscriber(cfg.Probe, entry, m)
	if err != nil {
		mgr.Stop()
		shutdownHTTP(metricsSrv, entry)
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Records stop flowing into the manager before its input is closed.
	var (
		gate    sync.RWMutex
		stopped bool
	)
	err = sub.Start(func(rec model.FlowRecord) {
		gate.RLock()
		defer gate.RUnlock()
		if !stopped {
			mgr.Input() <- &rec
		}
	})
	if err != nil {
		sub.Close()
		mgr.Stop()
		shutdownHTTP(metricsSrv, entry)
		return fmt.Errorf("subscriber failed to start: %w", err)
	}
	health.SetServing(true)
	entry.Info("Engine running, waiting for flow records.")

	<-ctx.Done()
	entry.Info("Shutdown signal received, flushing open sessions...")
	health.SetServing(false)
	sub.Close()
	gate.Lock()
	stopped = true
	gate.Unlock()
	mgr.Stop()
	shutdownHTTP(metricsSrv, entry)

	st := mgr.Stats()
	entry.Infof("Shutdown complete. %d sessions, %d late records.", st.Sessions, st.Late)
	if st.WriteErrors > 0 {
		return fmt.Errorf("%d session batches failed to write", st.WriteErrors)
	}
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics, log logrus.FieldLogger) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		log.Infof("Metrics server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	return srv
}

func shutdownHTTP(srv *http.Server, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("Server forced to shutdown: %v", err)
	}
}
