// package ui renders the live queue dashboard for `soundleaf jobs watch`.
//
// The model polls the daemon's status endpoint on a fixed tick and renders
// queue counters, breaker states, and the most recent jobs.
package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/soundleaf/soundleaf/internal/server"
)

// Snapshot is what one poll of the daemon yields.
type Snapshot struct {
	Status server.StatusSnapshot
	Jobs   []server.JobView
}

// Fetcher retrieves a fresh [Snapshot] from the daemon.
type Fetcher func() (Snapshot, error)

type tickMsg time.Time

type snapshotMsg struct {
	snapshot Snapshot
	err      error
}

// Model is the bubbletea model for the watch dashboard.
type Model struct {
	fetch    Fetcher
	interval time.Duration

	spinner  spinner.Model
	jobs     table.Model
	snapshot Snapshot
	loaded   bool
	err      error
}

// NewModel creates a dashboard polling fetch every interval.
func NewModel(fetch Fetcher, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styleTitle

	columns := []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Type", Width: 15},
		{Title: "Status", Width: 10},
		{Title: "Pri", Width: 4},
		{Title: "Retries", Width: 8},
		{Title: "Created", Width: 20},
	}
	jobs := table.New(table.WithColumns(columns), table.WithHeight(12))

	return Model{
		fetch:    fetch,
		interval: interval,
		spinner:  sp,
		jobs:     jobs,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, m.poll()
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snapshot = msg.snapshot
			m.loaded = true
			m.jobs.SetRows(jobRows(msg.snapshot.Jobs))
		}
		return m, m.tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.jobs, cmd = m.jobs.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.loaded {
		if m.err != nil {
			return styleErr.Render(fmt.Sprintf("cannot reach daemon: %v", m.err)) + "\n" + styleHelp.Render("q to quit")
		}
		return m.spinner.View() + " connecting to daemon..."
	}

	stats := m.snapshot.Status.Queue
	state := styleOK.Render("running")
	if !stats.Running {
		state = styleErr.Render("stopped")
	} else if stats.Paused {
		state = styleWarn.Render("paused")
	}

	header := styleTitle.Render("soundleaf queue") + "  " + state
	counters := fmt.Sprintf(
		"depth %d  active %d/%d  processed %d  failed %d  retried %d",
		stats.QueueDepth, stats.ActiveJobs, stats.MaxConcurrentJobs,
		stats.Processed, stats.Failed, stats.Retried,
	)

	breakers := ""
	for name, state := range m.snapshot.Status.Breakers {
		style := styleOK
		if state != "closed" {
			style = styleWarn
		}
		breakers += fmt.Sprintf("  %s:%s", name, style.Render(state))
	}

	view := header + "\n" + counters
	if breakers != "" {
		view += "\nbreakers" + breakers
	}
	view += "\n\n" + m.jobs.View() + "\n" + styleHelp.Render("q to quit")
	if m.err != nil {
		view += "\n" + styleWarn.Render(fmt.Sprintf("last poll failed: %v", m.err))
	}
	return view
}

// poll fetches a snapshot off the UI goroutine.
func (m Model) poll() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		snapshot, err := fetch()
		return snapshotMsg{snapshot: snapshot, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func jobRows(jobs []server.JobView) []table.Row {
	// newest first, capped to keep the table readable
	rows := make([]table.Row, 0, len(jobs))
	for i := len(jobs) - 1; i >= 0 && len(rows) < 50; i-- {
		j := jobs[i]
		id := j.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			id,
			j.Type,
			j.Status,
			fmt.Sprintf("%d", j.Priority),
			fmt.Sprintf("%d/%d", j.Retries, j.MaxRetries),
			j.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return rows
}

var (
	styleTitle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	styleErr   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500"))
	styleHelp  = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262")).Italic(true)
)
