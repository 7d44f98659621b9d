package db

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Client
var testContainer testcontainers.Container

// TestMain starts a SurrealDB container unless -short is set. The
// in-memory repository tests run either way.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

// repositories returns every backend the current run can reach.
func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	repos := map[string]Repository{"memory": NewMemoryRepository()}
	if testDB != nil {
		repos["surrealdb"] = testDB
	}
	return repos
}

func newJob(opts ...func(*models.Job)) *models.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	j := &models.Job{
		ID:          uuid.NewString(),
		OwnerID:     "owner-1",
		Status:      models.JobStatusPending,
		Source:      models.Source{Key: "sources/owner-1/doc.txt", Filename: "doc.txt"},
		PageRange:   &models.PageRange{Start: 1, End: 3},
		Options:     models.Options{Density: models.DensityMedium, CustomTags: []string{"exam"}},
		MaxRetries:  models.DefaultMaxRetries,
		AvailableAt: now.Add(-time.Second),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

func TestCreateAndGet(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob()
			require.NoError(t, repo.Create(ctx, job))

			got, err := repo.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, job.ID, got.ID)
			assert.Equal(t, models.JobStatusPending, got.Status)
			assert.Equal(t, job.Source, got.Source)
			assert.Equal(t, job.PageRange, got.PageRange)
			assert.Equal(t, []string{"exam"}, got.Options.CustomTags)
			assert.Equal(t, models.DefaultMaxRetries, got.MaxRetries)
			assert.Empty(t, got.ClaimedBy)
			assert.Nil(t, got.Error)

			err = repo.Create(ctx, job)
			assert.True(t, errors.Is(err, ErrAlreadyExists), "duplicate create: %v", err)

			_, err = repo.Get(ctx, "missing-"+job.ID)
			assert.True(t, errors.Is(err, ErrNotFound), "missing get: %v", err)
		})
	}
}

func TestUpdateGuards(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob()
			require.NoError(t, repo.Create(ctx, job))

			_, err := repo.Update(ctx, job.ID,
				Guard{Status: []models.JobStatus{models.JobStatusProcessing}},
				JobUpdate{Status: Ptr(models.JobStatusCompleted)})
			assert.True(t, errors.Is(err, ErrConflict), "wrong status: %v", err)

			_, err = repo.Update(ctx, "missing-"+job.ID, Guard{}, JobUpdate{Progress: Ptr(5)})
			assert.True(t, errors.Is(err, ErrNotFound), "missing update: %v", err)

			ok, err := repo.Claim(ctx, job.ID, "worker-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			_, err = repo.Update(ctx, job.ID, Guard{ClaimedBy: "worker-b"}, JobUpdate{Progress: Ptr(10)})
			assert.True(t, errors.Is(err, ErrConflict), "foreign worker: %v", err)

			got, err := repo.Update(ctx, job.ID,
				Guard{Status: []models.JobStatus{models.JobStatusProcessing}, ClaimedBy: "worker-a", NoCancel: true},
				JobUpdate{
					Error:    &fault.Summary{Kind: fault.KindStageFailure, Message: "boom"},
					IncRetry: true,
					Warnings: &models.Warnings{DroppedPairs: 2, Notes: []string{"tags fell back"}},
				})
			require.NoError(t, err)
			assert.Equal(t, 1, got.RetryCount)
			require.NotNil(t, got.Error)
			assert.Equal(t, fault.KindStageFailure, got.Error.Kind)
			assert.Equal(t, 2, got.Warnings.DroppedPairs)

			got, err = repo.Update(ctx, job.ID, Guard{}, JobUpdate{ClearError: true, Release: true})
			require.NoError(t, err)
			assert.Nil(t, got.Error)
			assert.Empty(t, got.ClaimedBy)
			assert.Nil(t, got.LeaseUntil)
		})
	}
}

func TestUpdateProgressNeverDecreases(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob()
			require.NoError(t, repo.Create(ctx, job))

			for _, tc := range []struct{ report, want int }{
				{20, 20}, {10, 20}, {60, 60}, {150, 100}, {85, 100},
			} {
				got, err := repo.Update(ctx, job.ID, Guard{}, JobUpdate{Progress: Ptr(tc.report)})
				require.NoError(t, err)
				assert.Equal(t, tc.want, got.Progress, "after reporting %d", tc.report)
			}
		})
	}
}

func TestClaimExactlyOneWinner(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob()
			require.NoError(t, repo.Create(ctx, job))

			const claimers = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners []string
			)
			for i := range claimers {
				wg.Add(1)
				go func(worker string) {
					defer wg.Done()
					ok, err := repo.Claim(ctx, job.ID, worker, time.Minute)
					if err != nil {
						t.Errorf("Claim(%s) error = %v", worker, err)
						return
					}
					if ok {
						mu.Lock()
						winners = append(winners, worker)
						mu.Unlock()
					}
				}(fmt.Sprintf("worker-%d", i))
			}
			wg.Wait()

			require.Len(t, winners, 1)
			got, err := repo.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusProcessing, got.Status)
			assert.Equal(t, winners[0], got.ClaimedBy)
			assert.NotNil(t, got.LeaseUntil)
		})
	}
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob()
			require.NoError(t, repo.Create(ctx, job))

			// A negative lease is already expired, as if the worker crashed.
			ok, err := repo.Claim(ctx, job.ID, "crashed", -time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			_, err = repo.Update(ctx, job.ID, Guard{ClaimedBy: "crashed"}, JobUpdate{Progress: Ptr(40)})
			require.NoError(t, err)

			ok, err = repo.Claim(ctx, job.ID, "rescuer", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			got, err := repo.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, "rescuer", got.ClaimedBy)
			assert.Equal(t, 0, got.Progress, "a new claim starts a new run")

			ok, err = repo.Claim(ctx, job.ID, "late", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "live lease must not be stolen")
		})
	}
}

func TestListClaimable(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			due := newJob()
			later := newJob(func(j *models.Job) { j.AvailableAt = time.Now().Add(time.Hour) })
			cancelled := newJob(func(j *models.Job) { j.CancelRequested = true })
			done := newJob(func(j *models.Job) { j.Status = models.JobStatusCompleted })
			for _, j := range []*models.Job{due, later, cancelled, done} {
				require.NoError(t, repo.Create(ctx, j))
			}

			ids, err := repo.ListClaimable(ctx, time.Now(), 100)
			require.NoError(t, err)
			assert.True(t, slices.Contains(ids, due.ID))
			assert.False(t, slices.Contains(ids, later.ID))
			assert.False(t, slices.Contains(ids, cancelled.ID))
			assert.False(t, slices.Contains(ids, done.ID))

			ok, err := repo.Claim(ctx, later.ID, "w", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "job not yet available")
		})
	}
}

func TestRetriesLeftGuard(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob(func(j *models.Job) {
				j.Status = models.JobStatusFailed
				j.MaxRetries = 1
			})
			require.NoError(t, repo.Create(ctx, job))

			_, err := repo.Update(ctx, job.ID, Guard{RetriesLeft: true}, JobUpdate{IncRetry: true})
			require.NoError(t, err)
			_, err = repo.Update(ctx, job.ID, Guard{RetriesLeft: true}, JobUpdate{IncRetry: true})
			assert.True(t, errors.Is(err, ErrConflict), "budget exhausted: %v", err)
		})
	}
}

func TestNotTerminalGuard(t *testing.T) {
	failed := func(retries int) func(*models.Job) {
		return func(j *models.Job) {
			j.Status = models.JobStatusFailed
			j.RetryCount = retries
		}
	}
	tests := []struct {
		name    string
		setup   func(*models.Job)
		cause   *fault.Summary
		allowed bool
	}{
		{"pending", func(*models.Job) {}, nil, true},
		{"failed with retries left", failed(1), &fault.Summary{Kind: fault.KindStageFailure, Message: "flaky"}, true},
		{"failed out of retries", failed(models.DefaultMaxRetries), &fault.Summary{Kind: fault.KindStageFailure, Message: "flaky"}, false},
		{"failed permanently", failed(1), &fault.Summary{Kind: fault.KindStageFailure, Message: "rejected", Permanent: true}, false},
		{"failed on bad input", failed(1), &fault.Summary{Kind: fault.KindValidation, Message: "bad range"}, false},
		{"completed", func(j *models.Job) { j.Status = models.JobStatusCompleted }, nil, false},
	}
	for name, repo := range repositories(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				ctx := context.Background()
				job := newJob(tt.setup)
				require.NoError(t, repo.Create(ctx, job))
				if tt.cause != nil {
					_, err := repo.Update(ctx, job.ID, Guard{}, JobUpdate{Error: tt.cause})
					require.NoError(t, err)
				}

				_, err := repo.Update(ctx, job.ID, Guard{NotTerminal: true}, JobUpdate{Progress: Ptr(1)})
				if tt.allowed {
					assert.NoError(t, err)
				} else {
					assert.True(t, errors.Is(err, ErrConflict), "terminal job passed the guard: %v", err)
				}
			})
		}
	}
}
