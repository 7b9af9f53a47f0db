package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#7C3AED")).Padding(0, 1)
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Task is a unit of CLI work. Details are shown to the operator on completion.
type Task func(ctx context.Context) ([]string, error)

type tickMsg time.Time

type doneMsg struct {
	details []string
	err     error
}

type model struct {
	title   string
	task    Task
	ctx     context.Context
	cancel  context.CancelFunc
	frame   int
	start   time.Time
	done    bool
	details []string
	err     error
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), func() tea.Msg {
		details, err := m.task(m.ctx)
		return doneMsg{details: details, err: err}
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.cancel()
			m.done = true
			m.err = context.Canceled
			return m, tea.Quit
		}
	case tickMsg:
		if m.done {
			return m, nil
		}
		m.frame = (m.frame + 1) % len(spinnerFrames)
		return m, tick()
	case doneMsg:
		m.done = true
		m.details, m.err = msg.details, msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	if m.done {
		return Render(m.title, m.details, m.err, time.Since(m.start)) + "\n"
	}
	return fmt.Sprintf("%s %s %s\n", spinnerFrames[m.frame], titleStyle.Render(m.title), dimStyle.Render(time.Since(m.start).Truncate(time.Second).String()))
}

func tick() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Run executes task behind an interactive spinner and returns its result.
func Run(title string, task Task) ([]string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := model{title: title, task: task, ctx: ctx, cancel: cancel, start: time.Now()}
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return nil, err
	}
	fm := final.(model)
	return fm.details, fm.err
}

// Render formats a finished task as a bordered summary.
func Render(title string, details []string, err error, elapsed time.Duration) string {
	var b strings.Builder
	status := successStyle.Render("OK")
	if err != nil {
		status = errorStyle.Render("FAILED")
	}
	b.WriteString(titleStyle.Render(title) + " " + status + " " + dimStyle.Render(elapsed.Truncate(time.Millisecond).String()))
	for _, d := range details {
		b.WriteString("\n  " + d)
	}
	if err != nil {
		b.WriteString("\n  " + errorStyle.Render(err.Error()))
	}
	return boxStyle.Render(b.String())
}
