package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/compendium/internal/config"
	"golang.org/x/sync/errgroup"
)

// Poller periodically lists claimable jobs and runs up to Concurrency of
// them at once. It also picks up jobs whose automatic retry came due and
// jobs whose worker died holding the lease.
type Poller struct {
	lister ClaimableLister
	runner JobRunner
	cfg    config.WorkerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewPoller creates a Poller.
func NewPoller(lister ClaimableLister, runner JobRunner, cfg config.WorkerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Poller{
		lister:   lister,
		runner:   runner,
		cfg:      cfg,
		logger:   logger.With("component", "poller"),
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

func (p *Poller) String() string { return "job-poller" }

// Serve implements suture.Service. On shutdown it stops listing and waits
// for running jobs, which release themselves when ctx is canceled.
func (p *Poller) Serve(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("polling for jobs", "interval", p.cfg.PollInterval, "concurrency", p.cfg.Concurrency)
	for {
		p.poll(ctx, &g)
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, g *errgroup.Group) {
	free := p.cfg.Concurrency - p.running()
	if free <= 0 {
		return
	}

	ids, err := p.lister.ListClaimable(ctx, p.now(), free)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("list claimable jobs", "error", err)
		}
		return
	}

	for _, id := range ids {
		if !p.track(id) {
			continue
		}
		started := g.TryGo(func() error {
			defer p.untrack(id)
			_, _ = runJob(ctx, p.runner, p.cfg.JobTimeout, id, p.logger)
			return nil
		})
		if !started {
			p.untrack(id)
			return
		}
	}
}

func (p *Poller) running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

func (p *Poller) track(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[id]; ok {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Poller) untrack(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}
