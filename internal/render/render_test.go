package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/joss/litbatch/internal/history"
	"github.com/joss/litbatch/internal/merge"
	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/resources"
	"github.com/joss/litbatch/internal/session"
)

func init() {
	color.NoColor = true
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{95 * time.Second, "1m35s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.d))
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "2.0 GiB", FormatBytes(2<<30))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestProgressLine(t *testing.T) {
	p := orchestrator.Progress{
		SessionID: "S", TotalShards: 4, Completed: 2, Failed: 1, Running: 1,
		Percent: 75, Elapsed: 90 * time.Second, ETA: 30 * time.Second, ETAKnown: true,
	}
	line := ProgressLine(p)
	assert.Contains(t, line, "75.0%")
	assert.Contains(t, line, "2/4 shards")
	assert.Contains(t, line, "1 failed 0 error")
	assert.Contains(t, line, "eta 30.0s")

	var buf bytes.Buffer
	ProgressRender(&buf, p)
	assert.True(t, strings.HasPrefix(buf.String(), "[S] "))
}

func TestSessionDetail(t *testing.T) {
	now := time.Now()
	later := now.Add(2 * time.Second)
	sess := &session.Session{
		ID: "S1", Status: session.StatusRunning, TotalItems: 3, WorkerCount: 2, CreatedAt: now,
		Shards: []session.Shard{
			{ID: 1, StartIndex: 1, EndIndex: 2, ItemCount: 2, Status: session.ShardCompleted, StartedAt: &now, EndedAt: &later},
			{ID: 2, StartIndex: 3, EndIndex: 3, ItemCount: 1, Status: session.ShardError, ErrorMessage: "worker crashed: boom"},
		},
	}

	var buf bytes.Buffer
	NewSessions(NewWriter(&buf)).Detail(sess, orchestrator.ComputeProgress(sess, later))
	out := buf.String()
	assert.Contains(t, out, "SESSION S1")
	assert.Contains(t, out, "items 1-2 (2)")
	assert.Contains(t, out, "└─ worker crashed: boom")
}

func TestSessionList(t *testing.T) {
	var buf bytes.Buffer
	r := NewSessions(NewWriter(&buf))
	r.List(nil)
	assert.Equal(t, "No sessions found\n", buf.String())

	buf.Reset()
	r.List([]*session.Session{{ID: "S1", Status: session.StatusCompleted, TotalItems: 5, Shards: []session.Shard{{Status: session.ShardCompleted}}}})
	assert.Contains(t, buf.String(), "1/1")
}

func TestManifestSuggestsResume(t *testing.T) {
	var buf bytes.Buffer
	NewSessions(NewWriter(&buf)).Manifest(&merge.Manifest{
		SessionID: "S1", Status: session.StatusCompletedWithErrors, ShardsMerged: 1, ShardsSkipped: 1,
		Shards: []merge.ShardReport{{ShardID: 2, Note: "not completed (failed): timeout"}},
	})
	assert.Contains(t, buf.String(), "shard 2: not completed")
	assert.Contains(t, buf.String(), "litbatch resume S1")
}

func TestResources(t *testing.T) {
	var buf bytes.Buffer
	NewSessions(NewWriter(&buf)).Resources(resources.Snapshot{
		CPUCores: 4, LogicalCores: 8, Fallback: true, Problems: []string{"memory: denied"},
	}, 1)
	assert.Contains(t, buf.String(), "1 workers")
	assert.Contains(t, buf.String(), "! memory: denied")
}

func TestHistoryStats(t *testing.T) {
	var buf bytes.Buffer
	NewHistory(NewWriter(&buf)).Stats(&history.Stats{
		Runs: 2, Attempts: 5, AvgShardMs: 1500,
		ByStatus: map[string]int{"failed": 1, "completed": 4},
	})
	out := buf.String()
	assert.Contains(t, out, "Runs:           2")
	assert.Less(t, strings.Index(out, "completed:"), strings.Index(out, "failed:"))
}
