package render

import (
	"sort"
	"time"

	"github.com/joss/litbatch/internal/backup"
	"github.com/joss/litbatch/internal/history"
	"github.com/joss/litbatch/internal/session"
)

// History renders run history.
type History struct {
	*Writer
}

// NewHistory creates a History renderer writing to w.
func NewHistory(w *Writer) *History {
	return &History{Writer: w}
}

// Runs renders recorded runs.
func (h *History) Runs(runs []history.Run) {
	if len(runs) == 0 {
		h.Empty("No runs recorded")
		return
	}

	h.Header("RUN HISTORY (%d runs)", len(runs))
	for _, r := range runs {
		line := r.SessionID + " [" + r.StartedAt.Local().Format("2006-01-02 15:04:05") + "] " +
			r.Command + " " + SessionStatus(session.Status(r.Status))
		if r.FinishedAt != nil {
			line += " (" + formatDuration(r.FinishedAt.Sub(r.StartedAt)) + ")"
		}
		h.Println("%s", line)
		h.Nested("%d items, %d shards, %d workers", r.TotalItems, r.ShardCount, r.WorkerCount)
	}
}

// Attempts renders every attempt of one session.
func (h *History) Attempts(sessionID string, attempts []history.Attempt) {
	if len(attempts) == 0 {
		h.Println("No attempts recorded for %s", sessionID)
		return
	}

	h.Header("ATTEMPTS FOR %s (%d)", sessionID, len(attempts))
	for _, a := range attempts {
		h.Println("%s shard %3d %-9s %5d items (%s) [%s]",
			ShardIcon(session.ShardStatus(a.Status)), a.ShardID, a.Status, a.Processed,
			formatDuration(time.Duration(a.DurationMs)*time.Millisecond), Truncate(a.AttemptID, 8))
		if a.Error != "" {
			h.Nested("%s", Truncate(a.Error, 70))
		}
	}
}

// Stats renders aggregate statistics.
func (h *History) Stats(s *history.Stats) {
	h.Header("HISTORY STATISTICS")

	h.Item("Runs:           %d", s.Runs)
	h.Item("Attempts:       %d", s.Attempts)
	h.Line()

	if s.AvgShardMs > 0 {
		h.Item("Avg shard:      %s", formatDuration(time.Duration(s.AvgShardMs)*time.Millisecond))
	}
	if s.SlowestShardMs > 0 {
		h.Item("Slowest shard:  %s", formatDuration(time.Duration(s.SlowestShardMs)*time.Millisecond))
	}

	if len(s.ByStatus) > 0 {
		h.Section("BY STATUS")
		statuses := make([]string, 0, len(s.ByStatus))
		for st := range s.ByStatus {
			statuses = append(statuses, st)
		}
		sort.Strings(statuses)
		for _, st := range statuses {
			h.Item("%-12s %d", st+":", s.ByStatus[st])
		}
	}
}

// Backups renders archives from backup.Manager.List.
func (h *History) Backups(archives []backup.Archive) {
	if len(archives) == 0 {
		h.Empty("No backups found")
		return
	}

	h.Header("BACKUPS (%d)", len(archives))
	for _, a := range archives {
		h.Println("%s [%s] %s %s",
			a.Metadata.SessionID,
			a.Metadata.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			SessionStatus(session.Status(a.Metadata.Status)),
			FormatBytes(uint64(a.Size)))
		h.Nested("%s", a.Path)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
