package controller

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tracelab/traffic-harvester/internal/ingest"
	"github.com/tracelab/traffic-harvester/internal/metrics"
	"github.com/tracelab/traffic-harvester/internal/storage/shared"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakePool struct {
	mu         sync.Mutex
	prepareErr error
	names      []string
	execs      map[string]int
	teardowns  int
	onExec     func()
}

func newFakePool(names ...string) *fakePool {
	return &fakePool{names: names, execs: make(map[string]int)}
}

func (f *fakePool) Prepare(context.Context) ([]string, error) {
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	return f.names, nil
}

func (f *fakePool) Exec(_ context.Context, container string, _ []byte) error {
	f.mu.Lock()
	f.execs[container]++
	f.mu.Unlock()
	if f.onExec != nil {
		f.onExec()
	}
	return nil
}

func (f *fakePool) Teardown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	return nil
}

func (f *fakePool) totalExecs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.execs {
		n += v
	}
	return n
}

func (f *fakePool) teardownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardowns
}

// fakeBacklog serves scripted fetch rounds, then reports empty.
type fakeBacklog struct {
	mu       sync.Mutex
	rounds   [][]ingest.WorkItem
	fetchErr []error // one per round, nil entries fetch normally
	done     []int64
	failed   []int64
}

func (f *fakeBacklog) FetchBatch(_ context.Context, _ string, _ int) ([]ingest.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fetchErr) > 0 {
		err := f.fetchErr[0]
		f.fetchErr = f.fetchErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.rounds) == 0 {
		return nil, nil
	}
	round := f.rounds[0]
	f.rounds = f.rounds[1:]
	return round, nil
}

func (f *fakeBacklog) MarkDone(_ context.Context, _ string, rowID int64, _ ingest.ArtifactPaths) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = append(f.done, rowID)
	return true, nil
}

func (f *fakeBacklog) MarkFailed(_ context.Context, _ string, rowID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, rowID)
	return true, nil
}

type nopThrottle struct{}

func (nopThrottle) Acquire(ctx context.Context) error { return ctx.Err() }

// fakeReconciler fails a job a configured number of times before letting it
// succeed, keyed by the job's first row.
type fakeReconciler struct {
	mu       sync.Mutex
	failures map[int64]int
	backlog  *fakeBacklog
	jobs     []ingest.Job
}

func (f *fakeReconciler) Reconcile(ctx context.Context, _ string, job ingest.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	rowID := job.Items[0].RowID
	if f.failures[rowID] > 0 {
		f.failures[rowID]--
		f.mu.Unlock()
		return errors.New("invalid artifact manifest")
	}
	f.mu.Unlock()
	for _, item := range job.Items {
		if _, err := f.backlog.MarkDone(ctx, item.Source, item.RowID, ingest.ArtifactPaths{}); err != nil {
			return err
		}
	}
	return nil
}

func item(rowID int64, domain string) ingest.WorkItem {
	return ingest.WorkItem{
		RowID:  rowID,
		URL:    "https://" + domain + "/page",
		Source: "news",
		Domain: domain,
	}
}

func newController(t *testing.T, cfg Config, pool *fakePool, backlog *fakeBacklog, rec *fakeReconciler) *Controller {
	t.Helper()
	if cfg.Sources == nil {
		cfg.Sources = []string{"news"}
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	view, err := shared.New(t.TempDir(), "/app")
	require.NoError(t, err)
	return New(cfg, pool, backlog, nopThrottle{}, rec, view, zap.NewNop())
}

func TestRunDrainsBacklogWithRetriesAndSentinel(t *testing.T) {
	t.Parallel()

	pool := newFakePool("c0", "c1")
	backlog := &fakeBacklog{rounds: [][]ingest.WorkItem{{
		item(1, "bbc.com"),
		item(2, "cnn.com"),
		item(3, "reuters.com"),
	}}}
	rec := &fakeReconciler{
		backlog: backlog,
		// Row 2 needs one retry; row 3 never validates.
		failures: map[int64]int{2: 1, 3: 10},
	}

	ctrl := newController(t, Config{Retries: 1}, pool, backlog, rec)
	require.NoError(t, ctrl.Run(context.Background()))

	require.ElementsMatch(t, []int64{1, 2}, backlog.done)
	require.Equal(t, []int64{3}, backlog.failed)

	totals := ctrl.RunTotals()
	require.Equal(t, 2, totals.OK)
	require.Equal(t, 1, totals.Fail)
	require.Equal(t, 2, totals.Retries)

	require.Equal(t, 1, pool.teardownCount())
	require.True(t, ctrl.Ready())
}

func TestRunEmptyBacklogTearsDownImmediately(t *testing.T) {
	t.Parallel()

	pool := newFakePool("c0")
	backlog := &fakeBacklog{}
	ctrl := newController(t, Config{}, pool, backlog, &fakeReconciler{backlog: backlog})

	require.NoError(t, ctrl.Run(context.Background()))
	require.Zero(t, pool.totalExecs())
	require.Equal(t, 1, pool.teardownCount())
}

func TestRunFetchErrorIdlesThenRetries(t *testing.T) {
	t.Parallel()

	pool := newFakePool("c0")
	backlog := &fakeBacklog{
		fetchErr: []error{errors.New("connection refused")},
		rounds:   [][]ingest.WorkItem{{item(1, "bbc.com")}},
	}
	ctrl := newController(t, Config{IdleSleep: time.Millisecond}, pool, backlog, &fakeReconciler{backlog: backlog})

	require.NoError(t, ctrl.Run(context.Background()))
	require.Equal(t, []int64{1}, backlog.done)
	require.Equal(t, 1, pool.teardownCount())
}

func TestRunPrepareFailureIsFatal(t *testing.T) {
	t.Parallel()

	pool := newFakePool("c0")
	pool.prepareErr = errors.New("docker daemon unreachable")
	backlog := &fakeBacklog{}
	ctrl := newController(t, Config{}, pool, backlog, &fakeReconciler{backlog: backlog})

	require.Error(t, ctrl.Run(context.Background()))
	require.False(t, ctrl.Ready())
	require.Zero(t, pool.teardownCount())
}

func TestRunCancellationSkipsTeardown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pool := newFakePool("c0")
	backlog := &fakeBacklog{rounds: [][]ingest.WorkItem{{item(1, "bbc.com")}}}
	ctrl := newController(t, Config{}, pool, backlog, &fakeReconciler{backlog: backlog})

	err := ctrl.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Containers stay up for the next run to reuse.
	require.Zero(t, pool.teardownCount())
}

func TestRunMidBatchCancellationReportsUnprocessedJobs(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	pool := newFakePool("c0")
	pool.onExec = cancel
	backlog := &fakeBacklog{rounds: [][]ingest.WorkItem{{
		item(1, "bbc.com"),
		item(2, "cnn.com"),
		item(3, "reuters.com"),
	}}}
	rec := &fakeReconciler{backlog: backlog}

	core, logs := observer.New(zapcore.WarnLevel)
	view, err := shared.New(t.TempDir(), "/app")
	require.NoError(t, err)
	ctrl := New(Config{Sources: []string{"news"}, BatchSize: 100},
		pool, backlog, nopThrottle{}, rec, view, zap.New(core))

	require.ErrorIs(t, ctrl.Run(ctx), context.Canceled)

	// The first job completes before the cancel lands; the other two stay
	// queued and are reported when the batch aborts.
	entries := logs.FilterMessage("batch aborted").All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(2), entries[0].ContextMap()["jobs_unprocessed"])
}

func TestRunBatchModeGroupsByDomain(t *testing.T) {
	t.Parallel()

	pool := newFakePool("c0")
	backlog := &fakeBacklog{rounds: [][]ingest.WorkItem{{
		item(1, "bbc.com"),
		item(2, "bbc.com"),
		item(3, "cnn.com"),
	}}}
	rec := &fakeReconciler{backlog: backlog, failures: map[int64]int{}}
	ctrl := newController(t, Config{BatchMode: true}, pool, backlog, rec)

	require.NoError(t, ctrl.Run(context.Background()))

	// Two captures: one for bbc.com covering both rows, one for cnn.com.
	require.Equal(t, 2, pool.totalExecs())
	require.Len(t, rec.jobs, 2)
	require.ElementsMatch(t, []int64{1, 2, 3}, backlog.done)
}

func TestRunRemoveStaleTearsDownBeforePrepare(t *testing.T) {
	t.Parallel()

	pool := newFakePool("c0")
	backlog := &fakeBacklog{}
	ctrl := newController(t, Config{RemoveStale: true}, pool, backlog, &fakeReconciler{backlog: backlog})

	require.NoError(t, ctrl.Run(context.Background()))

	// One stale sweep plus the end-of-run teardown.
	require.Equal(t, 2, pool.teardownCount())
}

func TestRunTotalsMergesAcrossBatches(t *testing.T) {
	t.Parallel()

	pool := newFakePool("c0")
	backlog := &fakeBacklog{rounds: [][]ingest.WorkItem{
		{item(1, "bbc.com")},
		{item(2, "cnn.com")},
	}}
	rec := &fakeReconciler{backlog: backlog}
	ctrl := newController(t, Config{}, pool, backlog, rec)

	require.NoError(t, ctrl.Run(context.Background()))
	require.Equal(t, 2, ctrl.RunTotals().OK)
}
