// Package render provides output formatting for CLI commands.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/joss/litbatch/internal/session"
)

// Writer wraps an io.Writer with formatting utilities.
type Writer struct {
	out io.Writer
}

// NewWriter creates a Writer that writes to the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w}
}

// Stdout returns a Writer that writes to os.Stdout.
func Stdout() *Writer {
	return NewWriter(os.Stdout)
}

// Stderr returns a Writer that writes to os.Stderr.
func Stderr() *Writer {
	return NewWriter(os.Stderr)
}

// Raw returns the underlying writer.
func (w *Writer) Raw() io.Writer {
	return w.out
}

// Print writes formatted text.
func (w *Writer) Print(format string, args ...any) {
	fmt.Fprintf(w.out, format, args...)
}

// Println writes formatted text with newline.
func (w *Writer) Println(format string, args ...any) {
	fmt.Fprintf(w.out, format+"\n", args...)
}

// Line writes a blank line.
func (w *Writer) Line() {
	fmt.Fprintln(w.out)
}

// Header writes a header line.
func (w *Writer) Header(title string, args ...any) {
	if len(args) > 0 {
		title = fmt.Sprintf(title, args...)
	}
	fmt.Fprintln(w.out, color.CyanString(strings.ToUpper(title)))
	fmt.Fprintln(w.out, strings.Repeat("─", 60))
}

// Section writes a section header.
func (w *Writer) Section(title string) {
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, strings.ToUpper(title)+":")
}

// Item writes an indented item line.
func (w *Writer) Item(format string, args ...any) {
	fmt.Fprintf(w.out, "  "+format+"\n", args...)
}

// SubItem writes a double-indented sub-item.
func (w *Writer) SubItem(format string, args ...any) {
	fmt.Fprintf(w.out, "    "+format+"\n", args...)
}

// Nested writes a nested item with tree connector.
func (w *Writer) Nested(format string, args ...any) {
	fmt.Fprintf(w.out, "    └─ "+format+"\n", args...)
}

// Empty writes an empty state message.
func (w *Writer) Empty(msg string) {
	fmt.Fprintln(w.out, msg)
}

// Warn writes a highlighted warning line.
func (w *Writer) Warn(format string, args ...any) {
	fmt.Fprintln(w.out, color.YellowString("! "+format, args...))
}

// ShardIcon returns a colored icon for a shard status.
func ShardIcon(s session.ShardStatus) string {
	switch s {
	case session.ShardCompleted:
		return color.GreenString("✓")
	case session.ShardFailed:
		return color.YellowString("✗")
	case session.ShardError:
		return color.RedString("✗")
	case session.ShardRunning:
		return color.CyanString("▶")
	default:
		return color.HiBlackString("•")
	}
}

// SessionStatus colors a session status.
func SessionStatus(s session.Status) string {
	switch s {
	case session.StatusCompleted:
		return color.GreenString(string(s))
	case session.StatusCompletedWithErrors:
		return color.YellowString(string(s))
	case session.StatusInterrupted:
		return color.RedString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

// BoolIcon returns icon for boolean.
func BoolIcon(b bool) string {
	if b {
		return "✓"
	}
	return "✗"
}

// Truncate shortens a string to max length.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
