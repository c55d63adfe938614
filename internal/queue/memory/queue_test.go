package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracelab/traffic-harvester/internal/ingest"
)

func TestQueueFIFOAndEmpty(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, ingest.SingleJob(ingest.WorkItem{RowID: 1})))
	require.NoError(t, q.Enqueue(ctx, ingest.SingleJob(ingest.WorkItem{RowID: 2})))
	require.Equal(t, 2, q.Len())

	first, err := q.TryDequeue()
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Items[0].RowID)

	second, err := q.TryDequeue()
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Items[0].RowID)

	_, err = q.TryDequeue()
	require.ErrorIs(t, err, ingest.ErrQueueEmpty)
}

func TestQueueEnqueueCanceledContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), ingest.Job{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Enqueue(ctx, ingest.Job{})
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	q.Close()

	_, err := q.TryDequeue()
	require.ErrorIs(t, err, ingest.ErrQueueEmpty)
}
