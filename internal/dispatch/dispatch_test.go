package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner counts runs per job and tracks how many run at once.
type fakeRunner struct {
	mu          sync.Mutex
	calls       map[string]int
	active      int
	peak        int
	deadlines   []time.Duration
	release     chan struct{}
	disposition func(jobID string, call int) (service.Disposition, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string]int)}
}

func (f *fakeRunner) Run(ctx context.Context, jobID string) (service.Disposition, error) {
	f.mu.Lock()
	f.calls[jobID]++
	call := f.calls[jobID]
	f.active++
	f.peak = max(f.peak, f.active)
	if dl, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, time.Until(dl))
	}
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if ctx.Err() != nil {
		return service.DispositionReleased, nil
	}
	if f.disposition != nil {
		return f.disposition(jobID, call)
	}
	return service.DispositionCompleted, nil
}

func (f *fakeRunner) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeRunner) stats() (peak int, deadlines []time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak, append([]time.Duration(nil), f.deadlines...)
}

// queueLister hands out each queued ID once, the way a claim would.
type queueLister struct {
	mu    sync.Mutex
	ids   []string
	fixed bool
}

func (q *queueLister) ListClaimable(_ context.Context, _ time.Time, limit int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(limit, len(q.ids))
	out := append([]string(nil), q.ids[:n]...)
	if !q.fixed {
		q.ids = q.ids[n:]
	}
	return out, nil
}

func workerConfig() config.WorkerConfig {
	cfg := config.Default().Worker
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Concurrency = 2
	cfg.JobTimeout = time.Minute
	return cfg
}

func serve(t *testing.T, svc interface{ Serve(context.Context) error }) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	var once sync.Once
	var err error
	cancel = func() error {
		once.Do(func() {
			stop()
			select {
			case err = <-done:
			case <-time.After(10 * time.Second):
				err = errors.New("service did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = cancel() })
	return cancel
}

func TestPollerRunsEveryClaimableJob(t *testing.T) {
	runner := newFakeRunner()
	lister := &queueLister{ids: []string{"a", "b", "c", "d", "e"}}
	stop := serve(t, NewPoller(lister, runner, workerConfig(), quietLogger()))

	assert.Eventually(t, func() bool {
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			if runner.callsFor(id) != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)
}

func TestPollerRespectsConcurrency(t *testing.T) {
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	lister := &queueLister{ids: []string{"a", "b", "c", "d"}}
	stop := serve(t, NewPoller(lister, runner, workerConfig(), quietLogger()))

	assert.Eventually(t, func() bool {
		peak, _ := runner.stats()
		return peak == 2
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	peak, _ := runner.stats()
	assert.Equal(t, 2, peak)

	close(runner.release)
	assert.Eventually(t, func() bool { return runner.callsFor("d") == 1 }, 5*time.Second, 5*time.Millisecond)
	peak, _ = runner.stats()
	assert.Equal(t, 2, peak)
	_ = stop()
}

func TestPollerDoesNotDoubleStartRunningJob(t *testing.T) {
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	lister := &queueLister{ids: []string{"a"}, fixed: true}
	stop := serve(t, NewPoller(lister, runner, workerConfig(), quietLogger()))

	assert.Eventually(t, func() bool { return runner.callsFor("a") == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.callsFor("a"))

	_ = stop()
}

func TestPollerAppliesJobTimeout(t *testing.T) {
	runner := newFakeRunner()
	lister := &queueLister{ids: []string{"a"}}
	cfg := workerConfig()
	cfg.JobTimeout = 2 * time.Hour
	stop := serve(t, NewPoller(lister, runner, cfg, quietLogger()))

	assert.Eventually(t, func() bool { return runner.callsFor("a") == 1 }, 5*time.Second, 5*time.Millisecond)
	_ = stop()

	_, deadlines := runner.stats()
	require.Len(t, deadlines, 1)
	assert.InDelta(t, (2 * time.Hour).Seconds(), deadlines[0].Seconds(), 60)
}

func TestPollerShutdownWaitsForRunningJobs(t *testing.T) {
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	lister := &queueLister{ids: []string{"a"}}
	stop := serve(t, NewPoller(lister, runner, workerConfig(), quietLogger()))

	assert.Eventually(t, func() bool { return runner.callsFor("a") == 1 }, 5*time.Second, 5*time.Millisecond)

	// The runner returns once its context is canceled; Serve must not return
	// before that.
	assert.ErrorIs(t, stop(), context.Canceled)
	runner.mu.Lock()
	active := runner.active
	runner.mu.Unlock()
	assert.Zero(t, active)
}

func TestHTTPServiceServesUntilCanceled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	stop := serve(t, NewHTTPService("metrics", addr, mux, quietLogger()))

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, stop(), context.Canceled)
}

func TestHTTPServiceReportsListenError(t *testing.T) {
	svc := NewHTTPService("metrics", "256.0.0.1:1", http.NewServeMux(), quietLogger())
	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics")
}

func TestSupervisorStopsServices(t *testing.T) {
	runner := newFakeRunner()
	sup := NewSupervisor("test", quietLogger())
	sup.Add(NewPoller(&queueLister{ids: []string{"a"}}, runner, workerConfig(), quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)
	assert.Eventually(t, func() bool { return runner.callsFor("a") == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-errCh:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
