package merge

import (
	"fmt"
	"strings"
	"time"
)

// Markdown renders the manifest as a human-readable report.
func Markdown(m *Manifest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Merge report: %s\n\n", m.SessionID)
	if m.Pipeline != "" {
		fmt.Fprintf(&b, "- **Pipeline:** %s\n", m.Pipeline)
	}
	fmt.Fprintf(&b, "- **Status:** %s\n", m.Status)
	fmt.Fprintf(&b, "- **Generated:** %s\n", m.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Output:** `%s`\n", m.OutputPath)
	fmt.Fprintf(&b, "- **Records:** %d of %d items", m.MergedRecords, m.TotalItems)
	if m.ItemErrors > 0 {
		fmt.Fprintf(&b, " (%d with item errors)", m.ItemErrors)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- **Shards:** %d merged, %d skipped\n", m.ShardsMerged, m.ShardsSkipped)
	if m.BackupPath != "" {
		fmt.Fprintf(&b, "- **Backup:** `%s`\n", m.BackupPath)
	}
	if m.BackupError != "" {
		fmt.Fprintf(&b, "- **Backup failed:** %s\n", m.BackupError)
	}

	b.WriteString("\n## Shards\n\n")
	b.WriteString("| Shard | Items | Status | Records | Item errors | Duration | Note |\n")
	b.WriteString("|------:|------:|--------|--------:|------------:|---------:|------|\n")
	for _, s := range m.Shards {
		dur := "-"
		if s.DurationSecs > 0 {
			dur = (time.Duration(s.DurationSecs * float64(time.Second))).Round(time.Second).String()
		}
		fmt.Fprintf(&b, "| %d | %d-%d | %s | %d | %d | %s | %s |\n",
			s.ShardID, s.StartIndex, s.EndIndex, s.Status, s.Records, s.ItemErrors, dur, escapeCell(s.Note))
	}

	if m.ShardsSkipped > 0 {
		b.WriteString("\nSkipped shards can be retried with `litbatch resume " + m.SessionID + "`.\n")
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
