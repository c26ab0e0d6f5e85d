package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joss/litbatch/internal/artifact"
	"github.com/joss/litbatch/internal/metrics"
	"github.com/joss/litbatch/internal/session"
)

func testItems(n int) []string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("/papers/paper_%03d.pdf", i+1)
	}
	return items
}

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func prepareSession(t *testing.T, store *session.Store, items, workers int) *session.Session {
	t.Helper()
	sess, err := Prepare(store, StartRequest{
		Pipeline:    "screening",
		Items:       testItems(items),
		WorkerCount: workers,
		TempRoot:    t.TempDir(),
	})
	require.NoError(t, err)
	return sess
}

func newTestPool(store *session.Store, fn ProcessShardFunc, opts Options) *Pool {
	return NewPool(store, fn, opts).WithMetrics(metrics.New())
}

func shardRecords(sh session.Shard) []artifact.Record {
	records := make([]artifact.Record, 0, len(sh.Items))
	for i, item := range sh.Items {
		records = append(records, artifact.Record{
			Index:  sh.StartIndex + i,
			Item:   item,
			Result: json.RawMessage(`{"include":true}`),
		})
	}
	return records
}

// okWorker writes one record per item and reports success.
func okWorker(_ context.Context, task ShardTask) (ShardOutcome, error) {
	if err := artifact.WriteAll(task.OutputPath, shardRecords(task.Shard)); err != nil {
		return ShardOutcome{}, err
	}
	return ShardOutcome{ShardID: task.Shard.ID, Success: true, ProcessedCount: task.Shard.ItemCount}, nil
}
