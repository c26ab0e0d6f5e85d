package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/litbatch/internal/artifact"
	"github.com/joss/litbatch/internal/backup"
	"github.com/joss/litbatch/internal/metrics"
	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/session"
)

func items(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("paper_%02d.pdf", i+1)
	}
	return out
}

func writeShard(t *testing.T, sess *session.Session, id int) {
	t.Helper()
	sh := sess.Shard(id)
	var records []artifact.Record
	for i, item := range sh.Items {
		records = append(records, artifact.Record{Index: sh.StartIndex + i, Item: item, Result: json.RawMessage(`true`)})
	}
	require.NoError(t, artifact.WriteAll(sess.ArtifactPath(id), records))
	now := time.Now()
	sh.Status = session.ShardCompleted
	sh.OutputRef = sess.ArtifactPath(id)
	sh.StartedAt = &now
	sh.EndedAt = &now
}

func newSession(t *testing.T, total, workers int) *session.Session {
	t.Helper()
	shards, err := orchestrator.Plan(total, workers)
	require.NoError(t, err)
	require.NoError(t, orchestrator.AssignItems(shards, items(total)))
	return session.New("screening", t.TempDir(), total, workers, shards)
}

func mergedItems(t *testing.T, path string) []string {
	t.Helper()
	records, err := artifact.ReadAll(path)
	require.NoError(t, err)
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Item
	}
	return out
}

func TestMergeOrderIndependentOfCompletion(t *testing.T) {
	sess := newSession(t, 10, 3)
	// Complete in reverse order.
	for id := 3; id >= 1; id-- {
		writeShard(t, sess, id)
	}
	sess.Finalize()

	out := filepath.Join(t.TempDir(), "results.jsonl")
	manifest, err := New().WithMetrics(metrics.New()).Merge(context.Background(), sess, Options{OutputPath: out})
	require.NoError(t, err)

	assert.Equal(t, items(10), mergedItems(t, out))
	assert.Equal(t, session.StatusCompleted, manifest.Status)
	assert.True(t, manifest.Complete())
	assert.Equal(t, 10, manifest.MergedRecords)
	assert.Equal(t, 3, manifest.ShardsMerged)
	require.Len(t, manifest.Shards, 3)
	for i, s := range manifest.Shards {
		assert.Equal(t, i+1, s.ShardID)
	}
}

func TestMergeBestEffort(t *testing.T) {
	sess := newSession(t, 9, 3)
	writeShard(t, sess, 1)
	writeShard(t, sess, 3)
	sess.Shard(2).Status = session.ShardFailed
	sess.Shard(2).ErrorMessage = "rate limited"
	sess.Finalize()

	dir := t.TempDir()
	out := filepath.Join(dir, "results.jsonl")
	manifest, err := New().WithMetrics(metrics.New()).Merge(context.Background(), sess, Options{OutputPath: out})
	require.NoError(t, err)

	want := append(items(9)[:3:3], items(9)[6:]...)
	assert.Equal(t, want, mergedItems(t, out))
	assert.Equal(t, session.StatusCompletedWithErrors, manifest.Status)
	assert.Equal(t, 2, manifest.ShardsMerged)
	assert.Equal(t, 1, manifest.ShardsSkipped)
	assert.Contains(t, manifest.Shards[1].Note, "rate limited")
	assert.False(t, manifest.Shards[1].Merged)

	assert.Equal(t, filepath.Join(dir, "manifest.json"), DefaultManifestPath(out))
	loaded, err := LoadManifest(DefaultManifestPath(out))
	require.NoError(t, err)
	assert.Equal(t, manifest.MergedRecords, loaded.MergedRecords)
	assert.Equal(t, session.StatusCompletedWithErrors, loaded.Status)

	report, err := os.ReadFile(filepath.Join(dir, "manifest.md"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "completed_with_errors")
	assert.Contains(t, string(report), "litbatch resume "+sess.ID)
}

func TestMergeSkipsUnreadableCompletedShard(t *testing.T) {
	sess := newSession(t, 4, 2)
	writeShard(t, sess, 1)
	writeShard(t, sess, 2)
	require.NoError(t, os.WriteFile(sess.Shard(2).OutputRef, []byte("{\"index\":"), 0644))

	out := filepath.Join(t.TempDir(), "results.jsonl")
	manifest, err := New().WithMetrics(metrics.New()).Merge(context.Background(), sess, Options{OutputPath: out})
	require.NoError(t, err)

	assert.Equal(t, 1, manifest.ShardsMerged)
	assert.Contains(t, manifest.Shards[1].Note, "unreadable")
	assert.Equal(t, session.StatusCompletedWithErrors, manifest.Status)
}

func TestMergeNoCompletedWork(t *testing.T) {
	sess := newSession(t, 4, 2)
	sess.Shard(1).Status = session.ShardError
	sess.Shard(2).Status = session.ShardFailed

	dir := t.TempDir()
	out := filepath.Join(dir, "results.jsonl")
	_, err := New().WithMetrics(metrics.New()).Merge(context.Background(), sess, Options{OutputPath: out})
	assert.ErrorIs(t, err, ErrNoCompletedWork)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no output or manifest on failure")
}

func TestMergeCountsItemErrors(t *testing.T) {
	sess := newSession(t, 2, 1)
	require.NoError(t, artifact.WriteAll(sess.ArtifactPath(1), []artifact.Record{
		{Index: 1, Item: "a", Result: json.RawMessage(`{}`)},
		{Index: 2, Item: "b", Error: "parse failed"},
	}))
	sess.Shard(1).Status = session.ShardCompleted
	sess.Shard(1).OutputRef = sess.ArtifactPath(1)

	manifest, err := New().WithMetrics(metrics.New()).Merge(context.Background(), sess, Options{
		OutputPath: filepath.Join(t.TempDir(), "out.jsonl"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.ItemErrors)
	assert.Equal(t, 1, manifest.Shards[0].ItemErrors)
}

func TestMergeWithBackup(t *testing.T) {
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)
	sess := newSession(t, 4, 2)
	writeShard(t, sess, 1)
	writeShard(t, sess, 2)
	sess.Finalize()
	require.NoError(t, store.Save(sess))

	mgr := backup.NewManager(filepath.Join(t.TempDir(), "backups"))
	manifest, err := New().WithMetrics(metrics.New()).Merge(context.Background(), sess, Options{
		OutputPath:     filepath.Join(t.TempDir(), "out.jsonl"),
		Backup:         mgr,
		CheckpointPath: store.Path(sess.ID),
	})
	require.NoError(t, err)
	require.NotEmpty(t, manifest.BackupPath)

	meta, err := mgr.Inspect(manifest.BackupPath)
	require.NoError(t, err)
	assert.Contains(t, meta.Files, "checkpoint.json")
	assert.Contains(t, meta.Files, "shards/shard_002.jsonl")
	assert.Contains(t, meta.Files, "output/out.jsonl")
}

func TestMergeCancelled(t *testing.T) {
	sess := newSession(t, 2, 1)
	writeShard(t, sess, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	_, err := New().WithMetrics(metrics.New()).Merge(ctx, sess, Options{OutputPath: filepath.Join(dir, "out.jsonl")})
	assert.ErrorIs(t, err, context.Canceled)
}

// End to end: 23 items over 4 workers, all shards succeed, merged output
// holds 23 records in input order.
func TestStartAndMergeEndToEnd(t *testing.T) {
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	worker := func(ctx context.Context, task orchestrator.ShardTask) (orchestrator.ShardOutcome, error) {
		// Later shards finish first.
		time.Sleep(time.Duration(5-task.Shard.ID) * 5 * time.Millisecond)
		var records []artifact.Record
		for i, item := range task.Shard.Items {
			records = append(records, artifact.Record{Index: task.Shard.StartIndex + i, Item: item, Result: json.RawMessage(`{"include":true}`)})
		}
		if err := artifact.WriteAll(task.OutputPath, records); err != nil {
			return orchestrator.ShardOutcome{}, err
		}
		return orchestrator.ShardOutcome{ShardID: task.Shard.ID, Success: true, ProcessedCount: len(records)}, nil
	}

	pool := orchestrator.NewPool(store, worker, orchestrator.Options{}).WithMetrics(metrics.New())
	sess, err := orchestrator.Start(context.Background(), store, pool, orchestrator.StartRequest{
		Pipeline:    "screening",
		Items:       items(23),
		WorkerCount: 4,
		TempRoot:    t.TempDir(),
	})
	require.NoError(t, err)

	assert.Equal(t, session.StatusCompleted, sess.Status)
	var sizes []int
	for _, sh := range sess.Shards {
		sizes = append(sizes, sh.ItemCount)
		assert.Equal(t, session.ShardCompleted, sh.Status)
	}
	assert.Equal(t, []int{6, 6, 6, 5}, sizes)

	out := filepath.Join(t.TempDir(), "results.jsonl")
	manifest, err := New().WithMetrics(metrics.New()).Merge(context.Background(), sess, Options{OutputPath: out})
	require.NoError(t, err)

	assert.Equal(t, 23, manifest.MergedRecords)
	assert.Equal(t, items(23), mergedItems(t, out))

	records, err := artifact.ReadAll(out)
	require.NoError(t, err)
	for i, r := range records {
		assert.Equal(t, i+1, r.Index)
	}

	report := Markdown(manifest)
	assert.True(t, strings.HasPrefix(report, "# Merge report: "+sess.ID))
}
