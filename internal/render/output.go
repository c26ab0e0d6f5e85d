package render

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/joss/litbatch/internal/merge"
	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/resources"
	"github.com/joss/litbatch/internal/session"
)

// Sessions renders session listings, details, progress and merge results.
type Sessions struct {
	*Writer
}

// NewSessions creates a Sessions renderer writing to w.
func NewSessions(w *Writer) *Sessions {
	return &Sessions{Writer: w}
}

// List renders one line per session, newest first as given.
func (r *Sessions) List(sessions []*session.Session) {
	if len(sessions) == 0 {
		r.Empty("No sessions found")
		return
	}

	r.Header("SESSIONS (%d)", len(sessions))
	for _, s := range sessions {
		c := s.Counts()
		r.Println("%-26s %-22s %-12s %3d/%-3d shards  %5d items  %s",
			s.ID,
			SessionStatus(s.Status),
			Truncate(s.Pipeline, 12),
			c[session.ShardCompleted], len(s.Shards),
			s.TotalItems,
			color.HiBlackString(s.UpdatedAt.Local().Format("2006-01-02 15:04")),
		)
	}
}

// Detail renders a session and every shard.
func (r *Sessions) Detail(s *session.Session, p orchestrator.Progress) {
	r.Header("SESSION %s", s.ID)
	r.Item("Status:    %s", SessionStatus(s.Status))
	if s.Pipeline != "" {
		r.Item("Pipeline:  %s", s.Pipeline)
	}
	r.Item("Items:     %d across %d shards (%d workers)", s.TotalItems, len(s.Shards), s.WorkerCount)
	r.Item("Created:   %s", s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	r.Item("Work dir:  %s", s.TempDir)
	if s.InputRoot != "" {
		r.Item("Input:     %s", s.InputRoot)
	}
	r.Item("Progress:  %s", ProgressLine(p))

	r.Section("Shards")
	for _, sh := range s.Shards {
		dur := ""
		if d := sh.Duration(); d > 0 {
			dur = " " + FormatDuration(d)
		}
		r.Item("%s %3d  items %d-%d (%d)  %-9s%s",
			ShardIcon(sh.Status), sh.ID, sh.StartIndex, sh.EndIndex, sh.ItemCount, sh.Status, dur)
		if sh.ErrorMessage != "" {
			r.Nested("%s", Truncate(sh.ErrorMessage, 70))
		}
	}
}

// ProgressLine is a one-line summary of p.
func ProgressLine(p orchestrator.Progress) string {
	line := fmt.Sprintf("%5.1f%%  %d/%d shards", p.Percent, p.Completed, p.TotalShards)
	if p.Failed+p.Errored > 0 {
		line += color.YellowString("  %d failed %d error", p.Failed, p.Errored)
	}
	if p.Running > 0 {
		line += fmt.Sprintf("  %d running", p.Running)
	}
	if p.Elapsed > 0 {
		line += "  elapsed " + FormatDuration(p.Elapsed)
	}
	if p.ETAKnown && !p.Finished() {
		line += "  eta " + FormatDuration(p.ETA)
	}
	return line
}

// ProgressRender is an orchestrator.RenderFunc printing colored progress lines.
func ProgressRender(w io.Writer, p orchestrator.Progress) {
	fmt.Fprintf(w, "[%s] %s\n", p.SessionID, ProgressLine(p))
}

// Manifest renders a merge result.
func (r *Sessions) Manifest(m *merge.Manifest) {
	r.Header("MERGE %s", m.SessionID)
	r.Item("Status:   %s", SessionStatus(m.Status))
	r.Item("Records:  %d of %d items (%d item errors)", m.MergedRecords, m.TotalItems, m.ItemErrors)
	r.Item("Shards:   %d merged, %d skipped", m.ShardsMerged, m.ShardsSkipped)
	r.Item("Output:   %s", m.OutputPath)
	r.Item("Manifest: %s", m.ManifestPath)
	if m.BackupPath != "" {
		r.Item("Backup:   %s", m.BackupPath)
	}
	if m.BackupError != "" {
		r.Warn("backup failed: %s", m.BackupError)
	}
	for _, s := range m.Shards {
		if !s.Merged {
			r.Nested("shard %d: %s", s.ShardID, Truncate(s.Note, 70))
		}
	}
	if !m.Complete() {
		r.Line()
		r.Println("Run `litbatch resume %s` to retry skipped shards.", m.SessionID)
	}
}

// Resources renders a host snapshot and the recommended worker count.
func (r *Sessions) Resources(s resources.Snapshot, recommended int) {
	r.Header("HOST RESOURCES")
	r.Item("CPU cores:         %d physical, %d logical", s.CPUCores, s.LogicalCores)
	if s.TotalMemory > 0 {
		r.Item("Memory:            %s available of %s", FormatBytes(s.AvailableMemory), FormatBytes(s.TotalMemory))
	}
	if s.DiskKnown {
		r.Item("Free disk:         %s (%s)", FormatBytes(s.FreeDisk), s.WorkRoot)
	}
	r.Item("Recommended:       %s", color.GreenString("%d workers", recommended))
	for _, p := range s.Problems {
		r.Warn("%s", p)
	}
	if s.Fallback {
		r.Warn("detection incomplete, falling back to 1 worker")
	}
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// FormatBytes formats a byte count with binary units.
func FormatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
