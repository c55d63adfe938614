package ingest

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsConcurrentUpdates(t *testing.T) {
	t.Parallel()

	stats := &Stats{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				stats.RecordOK()
			} else {
				stats.RecordFailure(FailureSample{RowID: int64(n), Err: "boom"})
			}
		}(i)
	}
	wg.Wait()

	snap := stats.Snapshot()
	require.Equal(t, 10, snap.OK)
	require.Equal(t, 10, snap.Fail)
	require.Len(t, snap.Failures, 10)
}

func TestStatsFailureSamplesBounded(t *testing.T) {
	t.Parallel()

	stats := &Stats{}
	for i := 0; i < maxFailureSamples+25; i++ {
		stats.RecordFailure(FailureSample{RowID: int64(i)})
	}
	snap := stats.Snapshot()
	require.Equal(t, maxFailureSamples+25, snap.Fail)
	require.Len(t, snap.Failures, maxFailureSamples)
}

func TestStatsSnapshotMerge(t *testing.T) {
	t.Parallel()

	a := StatsSnapshot{OK: 2, Fail: 1, Retries: 3, Failures: []FailureSample{{RowID: 1}}}
	b := StatsSnapshot{OK: 5, Fail: 2, Failures: []FailureSample{{RowID: 2}, {RowID: 3}}}

	merged := a.Merge(b)
	require.Equal(t, 7, merged.OK)
	require.Equal(t, 3, merged.Fail)
	require.Equal(t, 3, merged.Retries)
	require.Len(t, merged.Failures, 3)
}
