// Package tui renders the inbox: a styled table for list output and the
// bubbletea dashboard behind `taskinbox watch`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/taskinbox/internal/task"
)

const defaultRefresh = time.Second

type Snapshot struct {
	Tasks     []task.Task
	Counts    map[task.Status]int
	DBOK      bool
	LastError string
	TakenAt   time.Time
}

// StatusProvider loads a fresh snapshot. It is called on every refresh.
type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
	feed     *ActivityFeed
	interval time.Duration
}

type tickMsg time.Time

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func newModel(provider StatusProvider, interval time.Duration) model {
	if interval <= 0 {
		interval = defaultRefresh
	}
	return model{provider: provider, snap: provider(), feed: NewActivityFeed(), interval: interval}
}

func (m model) Init() tea.Cmd {
	return tickCmd(m.interval)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
			return m, nil
		case "r":
			m.refresh()
			return m, nil
		}
	case tickMsg:
		m.refresh()
		return m, tickCmd(m.interval)
	}
	return m, nil
}

func (m *model) refresh() {
	next := m.provider()
	if next.DBOK && m.snap.DBOK {
		m.feed.Observe(m.snap.Tasks, next.Tasks, next.TakenAt)
	}
	m.feed.CleanupOld(next.TakenAt, 10*time.Minute)
	m.snap = next
}

func (m model) View() string {
	now := m.snap.TakenAt
	if now.IsZero() {
		now = time.Now()
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("Task Inbox") + "  ")
	parts := make([]string, 0, len(task.AllStatuses))
	for _, st := range task.AllStatuses {
		parts = append(parts, fmt.Sprintf("%s %d", StatusLabel(st, true), m.snap.Counts[st]))
	}
	b.WriteString(strings.Join(parts, "   ") + "\n\n")

	if !m.snap.DBOK {
		b.WriteString(statusStyles[task.StatusFailed].Render("Store unavailable: "+humanErrorText(m.snap.LastError)) + "\n")
	} else {
		b.WriteString(RenderTable(m.snap.Tasks, now, true))
	}

	if feed := m.feed.View(now); feed != "" {
		b.WriteString("\n" + feed)
	}
	b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("Updated %s · q quit · r refresh · a activity", now.Local().Format("15:04:05"))) + "\n")
	return b.String()
}

// Run shows the dashboard until the user quits or ctx ends.
func Run(ctx context.Context, provider StatusProvider, interval time.Duration) error {
	defer bestEffortResetTTY()

	return runProgram(ctx, tea.NewProgram(newModel(provider, interval), tea.WithAltScreen()))
}

// runProgram returns only after p has exited, so the terminal is restored
// before the caller touches it again.
func runProgram(ctx context.Context, p *tea.Program) error {
	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
