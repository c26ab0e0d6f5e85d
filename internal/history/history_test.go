package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/litbatch/internal/artifact"
	"github.com/joss/litbatch/internal/metrics"
	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/session"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordRunUpsert(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := Run{
		SessionID: "S1", Pipeline: "screening", Command: "start", Status: "running",
		TotalItems: 10, WorkerCount: 3, ShardCount: 3, StartedAt: started, UpdatedAt: started,
	}
	require.NoError(t, s.RecordRun(ctx, run))

	run.Command = "resume"
	run.UpdatedAt = started.Add(time.Hour)
	require.NoError(t, s.RecordRun(ctx, run))

	got, err := s.GetRun(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "resume", got.Command)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.FinishedAt)

	require.NoError(t, s.FinishRun(ctx, "S1", "completed", started.Add(2*time.Hour)))
	got, err = s.GetRun(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.FinishedAt)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.ErrorIs(t, s.FinishRun(ctx, "missing", "completed", started), ErrNotFound)
}

func TestRecordSessionInterrupted(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordRun(ctx, Run{
		SessionID: "S1", Command: "start", Status: "running", StartedAt: started, UpdatedAt: started,
	}))
	require.NoError(t, s.RecordEvent(ctx, orchestrator.Event{
		Kind:      orchestrator.EventSessionInterrupted,
		SessionID: "S1",
		Status:    session.ShardStatus(session.StatusInterrupted),
		At:        started.Add(time.Minute),
	}))

	got, err := s.GetRun(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "interrupted", got.Status)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.RecordRun(ctx, Run{
			SessionID: fmt.Sprintf("S%d", i), Command: "start", Status: "running",
			StartedAt: at, UpdatedAt: at,
		}))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "S2", runs[0].SessionID)
	assert.Equal(t, "S1", runs[1].SessionID)
}

func TestAttemptsAndStats(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordRun(ctx, Run{SessionID: "S", Command: "start", Status: "running", StartedAt: at, UpdatedAt: at}))
	require.NoError(t, s.RecordEvent(ctx, orchestrator.Event{
		Kind: orchestrator.EventShardStarted, SessionID: "S", ShardID: 1, AttemptID: "a1",
		Status: session.ShardRunning, At: at,
	}))
	end := at.Add(3 * time.Second)
	require.NoError(t, s.RecordEvent(ctx, orchestrator.Event{
		Kind: orchestrator.EventShardFinished, SessionID: "S", ShardID: 1, AttemptID: "a1",
		Status: session.ShardCompleted, ProcessedCount: 4, Duration: 3 * time.Second, At: end,
	}))
	// Finish without a recorded start still lands.
	require.NoError(t, s.RecordEvent(ctx, orchestrator.Event{
		Kind: orchestrator.EventShardFinished, SessionID: "S", ShardID: 2, AttemptID: "a2",
		Status: session.ShardFailed, Duration: time.Second, Err: "rate limited", At: end,
	}))

	attempts, err := s.Attempts(ctx, "S")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "completed", attempts[0].Status)
	assert.Equal(t, int64(3000), attempts[0].DurationMs)
	assert.Equal(t, 4, attempts[0].Processed)
	require.NotNil(t, attempts[0].EndedAt)
	assert.Equal(t, "rate limited", attempts[1].Error)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, 2, stats.Attempts)
	assert.Equal(t, map[string]int{"completed": 1, "failed": 1}, stats.ByStatus)
	assert.InDelta(t, 3000, stats.AvgShardMs, 0.1)
	assert.Equal(t, int64(3000), stats.SlowestShardMs)
}

func TestStatsEmpty(t *testing.T) {
	stats, err := openTest(t).Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Runs)
	assert.Zero(t, stats.AvgShardMs)
}

func TestRecordFromPoolEvents(t *testing.T) {
	h := openTest(t)
	ctx := context.Background()

	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	items := make([]string, 7)
	for i := range items {
		items[i] = fmt.Sprintf("p%d.pdf", i)
	}
	sess, err := orchestrator.Prepare(store, orchestrator.StartRequest{
		Items: items, WorkerCount: 3, TempRoot: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, h.RecordRun(ctx, RunFromSession(sess, "start")))

	worker := func(_ context.Context, task orchestrator.ShardTask) (orchestrator.ShardOutcome, error) {
		var records []artifact.Record
		for i, it := range task.Shard.Items {
			records = append(records, artifact.Record{Index: task.Shard.StartIndex + i, Item: it, Result: json.RawMessage(`1`)})
		}
		if err := artifact.WriteAll(task.OutputPath, records); err != nil {
			return orchestrator.ShardOutcome{}, err
		}
		return orchestrator.ShardOutcome{ShardID: task.Shard.ID, Success: true, ProcessedCount: len(records)}, nil
	}
	pool := orchestrator.NewPool(store, worker, orchestrator.Options{}).WithMetrics(metrics.New())

	events, unsubscribe := pool.Events().Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Record(ctx, events)
	}()

	final, err := pool.Run(ctx, sess, sess.Shards)
	require.NoError(t, err)
	unsubscribe()
	<-done

	run, err := h.GetRun(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, string(final.Status), run.Status)
	require.NotNil(t, run.FinishedAt)

	attempts, err := h.Attempts(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.ShardID)
		assert.Equal(t, "completed", a.Status)
		assert.NotEmpty(t, a.AttemptID)
	}
}
