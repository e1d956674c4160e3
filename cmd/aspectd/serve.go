package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/groblegark/aspectd/internal/config"
	"github.com/groblegark/aspectd/internal/dispatch"
	"github.com/groblegark/aspectd/internal/engine"
	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/sched"
	"github.com/groblegark/aspectd/internal/server"
	"github.com/groblegark/aspectd/internal/snapshot"
	"github.com/groblegark/aspectd/internal/store/postgres"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the aspectd server",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create a client connection.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}

		eng := engine.New(st,
			engine.WithLogger(logger),
			engine.WithEscrowTTL(cfg.EscrowTTL),
		)

		// Event publisher: NATS when configured, no-op otherwise. The SSE
		// stream still works without NATS since the relay fans out locally.
		var publisher dispatch.Publisher
		if cfg.NATSURL != "" {
			pub, err := dispatch.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				st.Close()
				return err
			}
			publisher = pub
			logger.Info("event bus enabled", "nats_url", cfg.NATSURL)
		} else {
			publisher = &dispatch.NoopPublisher{}
			logger.Info("event bus disabled (ASPECTD_NATS_URL not set)")
		}

		// Scheduler: API service plus the runner that fires due actions.
		schedService := sched.NewService(st, logger)
		runner := sched.NewRunner(st, cfg.SchedInterval, cfg.SchedGrace, logger)
		registerActionHandlers(runner, eng)

		aspectServer := server.NewAspectServer(eng, schedService, logger)

		// Relay drains the outbox to the bus and the SSE hub.
		relay := dispatch.NewRelay(st, publisher, cfg.RelayInterval, logger,
			dispatch.WithFanout(aspectServer.Broadcast),
		)
		relay.Start()

		runner.Start()

		// Sweeper expires stale escrows and prunes delivered events.
		sweeper := engine.NewSweeper(eng, cfg.SweepInterval, cfg.EventRetention, logger)
		sweeper.Start()

		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: aspectServer.NewHTTPHandler(cfg.AuthToken),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		// Snapshot scheduler if any destinations are configured.
		var snapshotSched *snapshot.Scheduler
		if cfg.SnapshotInterval > 0 {
			var dests []snapshot.Destination

			if cfg.SnapshotS3Bucket != "" {
				s3Dest, err := snapshot.NewS3Destination(
					context.Background(),
					cfg.SnapshotS3Bucket,
					cfg.SnapshotS3Key,
					cfg.SnapshotS3Region,
					cfg.SnapshotS3Endpoint,
				)
				if err != nil {
					logger.Error("failed to create S3 snapshot destination", "err", err)
				} else {
					dests = append(dests, s3Dest)
					logger.Info("snapshot S3 destination enabled", "bucket", cfg.SnapshotS3Bucket, "key", cfg.SnapshotS3Key)
				}
			}

			if cfg.SnapshotGitRepo != "" {
				gitDest := snapshot.NewGitDestination(cfg.SnapshotGitRepo, cfg.SnapshotGitFile, cfg.SnapshotGitBranch)
				dests = append(dests, gitDest)
				logger.Info("snapshot git destination enabled", "repo", cfg.SnapshotGitRepo, "file", cfg.SnapshotGitFile)
			}

			if len(dests) > 0 {
				snapshotSched = snapshot.NewScheduler(st, dests, cfg.SnapshotInterval, logger)
				snapshotSched.Start()
				logger.Info("snapshot scheduler started", "interval", cfg.SnapshotInterval)
			}
		}

		logger.Info("aspectd server started", "http_addr", cfg.HTTPAddr)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Graceful shutdown, producers before consumers.
		if snapshotSched != nil {
			snapshotSched.Stop()
			logger.Info("snapshot scheduler stopped")
		}

		sweeper.Stop()
		runner.Stop()
		logger.Info("action runner stopped")

		relay.Stop()
		logger.Info("relay stopped")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}

// registerActionHandlers wires the built-in deferred effects. All handler
// effects go through the engine so they get the same CAS, event, and
// validation treatment as direct API writes.
func registerActionHandlers(runner *sched.Runner, eng *engine.Engine) {
	// "delta" applies a numeric delta to a record field when the action
	// fires. Payload: {"field": "hp", "delta": 5, "floor": 0, "ceiling": 100}.
	runner.Register("delta", func(ctx context.Context, a *model.ScheduledAction) error {
		var p struct {
			Field   string   `json:"field"`
			Delta   float64  `json:"delta"`
			Floor   *float64 `json:"floor,omitempty"`
			Ceiling *float64 `json:"ceiling,omitempty"`
		}
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("delta action payload: %w", err)
		}
		_, err := eng.DeltaUpdate(ctx, a.EntityID, a.Kind, p.Field, p.Delta,
			engine.Bounds{Floor: p.Floor, Ceiling: p.Ceiling})
		return err
	})

	// "expire-record" replaces a record's payload with an empty object,
	// for aspects that represent temporary effects.
	runner.Register("expire-record", func(ctx context.Context, a *model.ScheduledAction) error {
		_, err := eng.Update(ctx, a.EntityID, a.Kind, func(fields map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}, engine.DefaultRetryPolicy)
		return err
	})
}
