package cli

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/compendium/internal/dispatch"
	"github.com/raphaelgruber/compendium/internal/metrics"
	"github.com/spf13/cobra"
)

var (
	workerConcurrency int
	workerID          string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process deck generation jobs",
	Long: `Run a worker that processes pending jobs until interrupted.

The worker always polls the job store, which also picks up automatic
retries and jobs abandoned by crashed workers. When NATS_URL is set it
additionally consumes the JetStream work queue for low-latency dispatch.
Prometheus metrics are served on COMPENDIUM_METRICS_ADDR.

Examples:
  compendium worker
  compendium worker --concurrency 4
  NATS_URL=nats://localhost:4222 compendium worker`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 0, "jobs processed at once (default from config)")
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker identity used in job claims (default hostname plus random suffix)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if workerConcurrency > 0 {
		cfg.Worker.Concurrency = workerConcurrency
	}
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	checkpoints, closeCheckpoints, err := openCheckpoints(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCheckpoints(); err != nil {
			logger.Warn("close checkpoints", "error", err)
		}
	}()

	pipeline, err := newPipeline(ctx, cfg, pipelineParts{
		jobs:        jobs,
		store:       store,
		checkpoints: checkpoints,
		metrics:     collector,
		logger:      logger,
		worker:      workerID,
	})
	if err != nil {
		return err
	}

	sup := dispatch.NewSupervisor("compendium-worker", logger)

	// With a queue the poller only sweeps up due retries and expired
	// leases, so it gets a single slot.
	sweep := cfg.Worker
	if cfg.NATS.Enabled() {
		sweep.Concurrency = 1
	}
	sup.Add(dispatch.NewPoller(dbClient, pipeline, sweep, logger))

	if cfg.NATS.Enabled() {
		nc, js, err := dispatch.Connect(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if _, err := dispatch.EnsureStream(ctx, js, cfg.NATS); err != nil {
			return err
		}
		sup.Add(dispatch.NewConsumer(js, cfg.NATS, cfg.Worker, pipeline, logger))
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		sup.Add(dispatch.NewHTTPService("metrics", cfg.MetricsAddr, mux, logger))
	}

	logger.Info("worker started",
		"worker", workerID,
		"concurrency", cfg.Worker.Concurrency,
		"nats", cfg.NATS.Enabled(),
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
	)
	start := time.Now()
	err = sup.Serve(ctx)
	logger.Info("worker stopped", "uptime", time.Since(start).Round(time.Second))
	if err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
