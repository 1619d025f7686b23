package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/rebalance"
	"github.com/Jailtonfonseca/rebalanceamento-binance/internal/settings"
	"github.com/Jailtonfonseca/rebalanceamento-binance/pkg/logger"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    int
	lastDry  *bool
	result   *rebalance.Result
	err      error
}

func (f *fakeRunner) Execute(ctx context.Context, dryRunOverride *bool) (*rebalance.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastDry = dryRunOverride
	return f.result, f.err
}

type recordingStore struct {
	mu      sync.Mutex
	records []rebalance.RunRecord
}

func (r *recordingStore) Append(ctx context.Context, rec rebalance.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func newJobFixture(t *testing.T, withCreds bool) (*RebalanceJob, *fakeRunner, *recordingStore) {
	t.Helper()
	log := logger.New(logger.Config{Level: "error"})

	manager, err := settings.NewManager(t.TempDir(), "", log)
	require.NoError(t, err)

	if withCreds {
		cfg := manager.Snapshot()
		cfg.Binance.APIKey = "binance-key"
		cfg.Binance.SecretKey = "binance-secret"
		cfg.CMC.APIKey = "cmc-key"
		require.NoError(t, manager.Save(cfg))
	}

	store := &recordingStore{}
	runner := &fakeRunner{result: &rebalance.Result{Status: rebalance.StatusDryRun}}

	job := NewRebalanceJob(manager, store, nil, log)
	job.factory = func(cfg settings.Settings, apiKey, secretKey, cmcKey string) Runner {
		assert.Equal(t, "binance-key", apiKey)
		assert.Equal(t, "binance-secret", secretKey)
		assert.Equal(t, "cmc-key", cmcKey)
		return runner
	}
	return job, runner, store
}

func TestJobRunsWithStoredDryRunFlag(t *testing.T) {
	job, runner, _ := newJobFixture(t, true)

	require.NoError(t, job.Run())

	assert.Equal(t, 1, runner.calls)
	require.NotNil(t, runner.lastDry)
	assert.True(t, *runner.lastDry, "scheduled cycles run with the stored dry-run flag")
}

func TestJobSkipsNonPeriodicStrategy(t *testing.T) {
	job, runner, _ := newJobFixture(t, true)

	cfg := job.manager.Snapshot()
	cfg.Strategy = settings.StrategyThreshold
	require.NoError(t, job.manager.Save(cfg))

	require.NoError(t, job.Run())
	assert.Zero(t, runner.calls)
}

func TestJobRecordsFailureWithoutCredentials(t *testing.T) {
	job, runner, store := newJobFixture(t, false)

	err := job.Run()
	require.Error(t, err)
	assert.Zero(t, runner.calls)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, rebalance.StatusFailed, rec.Status)
	assert.True(t, rec.IsDryRun)
	assert.NotEmpty(t, rec.RunID)
	assert.Contains(t, rec.SummaryMessage, "master key")
}

func TestJobSwallowsConflict(t *testing.T) {
	job, runner, _ := newJobFixture(t, true)
	runner.err = rebalance.ErrConflict
	runner.result = nil

	assert.NoError(t, job.Run(), "an in-flight run is not a job failure")
}

func TestJobPropagatesExecutionError(t *testing.T) {
	job, runner, _ := newJobFixture(t, true)
	runner.err = errors.New("exchange unreachable")
	runner.result = nil

	assert.Error(t, job.Run())
}

func TestSchedulerReplacesJobByName(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	s := New(log)

	job := &namedJob{name: "periodic_rebalance"}
	require.NoError(t, s.AddJob("@every 1h", job))
	require.NoError(t, s.AddJob("@every 2h", job))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.entries, 1, "same name must replace, not duplicate")
}

func TestSchedulerRunsJob(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	s := New(log)

	job := &namedJob{name: "tick", done: make(chan struct{}, 1)}
	require.NoError(t, s.AddJob("@every 10ms", job))
	s.Start()
	defer s.Stop()

	select {
	case <-job.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
}

type namedJob struct {
	name string
	done chan struct{}
	once sync.Once
}

func (j *namedJob) Name() string { return j.name }

func (j *namedJob) Run() error {
	if j.done != nil {
		j.once.Do(func() { close(j.done) })
	}
	return nil
}
