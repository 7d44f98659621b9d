package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/compendium/internal/checkpoint"
	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/dispatch"
	"github.com/raphaelgruber/compendium/internal/llm"
	"github.com/raphaelgruber/compendium/internal/loader"
	"github.com/raphaelgruber/compendium/internal/metrics"
	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/raphaelgruber/compendium/internal/service"
	"github.com/raphaelgruber/compendium/internal/stages"
	"github.com/raphaelgruber/compendium/internal/storage"
)

// openStore returns the configured document store.
func openStore(ctx context.Context, c config.Config) (storage.Store, error) {
	switch c.Storage.Backend {
	case config.StorageS3:
		return storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:  c.Storage.S3Endpoint,
			Region:    c.Storage.S3Region,
			Bucket:    c.Storage.S3Bucket,
			AccessKey: c.Storage.S3AccessKey,
			SecretKey: c.Storage.S3SecretKey,
			PathStyle: c.Storage.S3PathStyle,
		})
	default:
		return storage.NewFSStore(c.Storage.Dir)
	}
}

// openCheckpoints returns badger checkpoints when a directory is configured
// and in-memory ones otherwise.
func openCheckpoints(c config.Config) (checkpoint.Store, func() error, error) {
	if c.CheckpointDir == "" {
		return checkpoint.NewMemoryStore(), func() error { return nil }, nil
	}
	store, err := checkpoint.OpenBadger(c.CheckpointDir)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

type pipelineParts struct {
	jobs        *service.JobManager
	store       storage.Store
	checkpoints checkpoint.Store
	metrics     *metrics.Collector
	logger      *slog.Logger
	worker      string
}

// newPipeline wires the model, gateway and stage runner behind a Pipeline.
func newPipeline(ctx context.Context, c config.Config, p pipelineParts) (*service.Pipeline, error) {
	model, err := llm.NewModel(ctx, c.LLM)
	if err != nil {
		return nil, fmt.Errorf("init model: %w", err)
	}
	gw := llm.NewGateway(model, c.Gateway, llm.WithMetrics(p.metrics), llm.WithLogger(p.logger))
	return service.NewPipeline(service.PipelineDeps{
		Jobs:        p.jobs,
		Loader:      loader.New(p.store),
		Store:       p.store,
		Runner:      stages.NewRunner(gw, c.Pipeline, p.logger),
		Checkpoints: p.checkpoints,
		Metrics:     p.metrics,
		Logger:      p.logger,
		Worker:      p.worker,
	}, c), nil
}

// jobPublisher announces jobs to workers. Without NATS workers find jobs
// by polling, so publishing is a no-op.
type jobPublisher interface {
	Publish(ctx context.Context, job *models.Job) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, *models.Job) error { return nil }

// openPublisher connects to NATS when configured. The returned cleanup
// closes the connection.
func openPublisher(ctx context.Context, c config.Config, log *slog.Logger) (jobPublisher, func(), error) {
	if !c.NATS.Enabled() {
		return noopPublisher{}, func() {}, nil
	}
	nc, js, err := dispatch.Connect(c.NATS, log)
	if err != nil {
		return nil, nil, err
	}
	if _, err := dispatch.EnsureStream(ctx, js, c.NATS); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return dispatch.NewPublisher(js, c.NATS), nc.Close, nil
}
