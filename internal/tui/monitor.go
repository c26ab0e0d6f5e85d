// Package tui provides a live terminal view of a running session using
// Bubble Tea.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/joss/litbatch/internal/orchestrator"
	"github.com/joss/litbatch/internal/session"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginLeft(2)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

// Message types
type snapshotMsg struct {
	sess     *session.Session
	progress orchestrator.Progress
}
type monitorDoneMsg struct{ err error }

// Model is the session monitor view.
type Model struct {
	sessionID string
	follow    bool

	sess     *session.Session
	progress orchestrator.Progress
	err      error
	finished bool
	quitting bool

	// Components
	spinner spinner.Model
	bar     progress.Model
	offset  int
	width   int
	height  int
}

// New creates a monitor model for sessionID.
func New(sessionID string, follow bool) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return Model{
		sessionID: sessionID,
		follow:    follow,
		spinner:   s,
		bar:       progress.New(progress.WithDefaultGradient()),
		width:     80,
		height:    24,
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.offset > 0 {
				m.offset--
			}
		case "down", "j":
			if m.sess != nil && m.offset < len(m.sess.Shards)-1 {
				m.offset++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(10, msg.Width-8)

	case snapshotMsg:
		m.sess = msg.sess
		m.progress = msg.progress

	case monitorDoneMsg:
		m.finished = true
		m.err = msg.err
		if !m.follow {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("litbatch monitor · "+m.sessionID) + "\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("  "+m.err.Error()) + "\n")
		b.WriteString(helpStyle.Render("  q: quit"))
		return b.String()
	}
	if m.sess == nil {
		b.WriteString(fmt.Sprintf("  %s Waiting for checkpoint...\n", m.spinner.View()))
		b.WriteString(helpStyle.Render("  q: quit"))
		return b.String()
	}

	p := m.progress
	state := m.spinner.View() + " " + runningStyle.Render(string(p.Status))
	switch p.Status {
	case session.StatusCompleted:
		state = doneStyle.Render("✓ " + string(p.Status))
	case session.StatusCompletedWithErrors, session.StatusInterrupted:
		state = warnStyle.Render("! " + string(p.Status))
	}
	b.WriteString("  " + state + "\n\n")
	b.WriteString("  " + m.bar.ViewAs(p.Percent/100) + "\n\n")

	summary := fmt.Sprintf("%d/%d shards │ %d running │ %d failed │ %d error │ %d/%d items",
		p.Completed, p.TotalShards, p.Running, p.Failed, p.Errored, p.ItemsDone, p.TotalItems)
	b.WriteString(infoStyle.Render("  "+summary) + "\n")

	timing := "elapsed " + p.Elapsed.Round(time.Second).String()
	if p.ETAKnown && !p.Finished() {
		timing += " │ eta " + p.ETA.Round(time.Second).String()
	}
	if p.Throughput > 0 {
		timing += fmt.Sprintf(" │ %.2f items/s", p.Throughput)
	}
	b.WriteString(infoStyle.Render("  "+timing) + "\n\n")

	b.WriteString(boxStyle.Width(max(20, m.width-4)).Render(m.shardLines()) + "\n")

	help := "j/k: scroll │ q: quit"
	if m.finished && m.follow {
		help = "session finished │ " + help
	}
	b.WriteString(helpStyle.Render("  " + help))
	return b.String()
}

func (m Model) shardLines() string {
	rows := max(3, m.height-14)
	shards := m.sess.Shards
	start := min(m.offset, max(0, len(shards)-1))
	end := min(len(shards), start+rows)

	lines := make([]string, 0, end-start)
	for _, sh := range shards[start:end] {
		line := fmt.Sprintf("%s shard %3d  items %d-%d  %s", shardIcon(sh.Status), sh.ID, sh.StartIndex, sh.EndIndex, sh.Status)
		if d := sh.Duration(); d > 0 {
			line += "  " + d.Round(100*time.Millisecond).String()
		}
		if sh.ErrorMessage != "" {
			line += "  " + errorStyle.Render(truncate(sh.ErrorMessage, 50))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func shardIcon(s session.ShardStatus) string {
	switch s {
	case session.ShardCompleted:
		return doneStyle.Render("✓")
	case session.ShardRunning:
		return runningStyle.Render("▶")
	case session.ShardFailed:
		return warnStyle.Render("✗")
	case session.ShardError:
		return errorStyle.Render("✗")
	default:
		return infoStyle.Render("•")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Run shows the monitor until the session finishes (or the user quits, when
// following). Snapshots come from an orchestrator.Monitor.
func Run(ctx context.Context, store *session.Store, id string, interval time.Duration, follow bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(id, follow), tea.WithAltScreen(), tea.WithContext(ctx))

	mon := orchestrator.NewMonitor(store, id, interval).Follow(follow)
	go func() {
		err := mon.Run(ctx, func(sess *session.Session, prog orchestrator.Progress) {
			p.Send(snapshotMsg{sess: sess, progress: prog})
		})
		p.Send(monitorDoneMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return err
	}
	if m, ok := final.(Model); ok && m.err != nil {
		return m.err
	}
	return nil
}
