package tui

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskinbox/internal/task"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	statusStyles = map[task.Status]lipgloss.Style{
		task.StatusRunning:        lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		task.StatusNeedsAttention: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		task.StatusCompleted:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		task.StatusFailed:         lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// StatusIcon returns a one-rune marker for s.
func StatusIcon(s task.Status) string {
	switch s {
	case task.StatusRunning:
		return "●"
	case task.StatusNeedsAttention:
		return "!"
	case task.StatusCompleted:
		return "✓"
	case task.StatusFailed:
		return "✗"
	}
	return "?"
}

// StatusLabel renders s, coloured when color is set.
func StatusLabel(s task.Status, color bool) string {
	label := StatusIcon(s) + " " + string(s)
	if !color {
		return label
	}
	if st, ok := statusStyles[s]; ok {
		return st.Render(label)
	}
	return label
}

// FormatAge renders d the way the inbox lists show it: 42s, 5m, 3h, 2d.
func FormatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// Reason returns the attention or failure reason worth showing for t.
func Reason(t task.Task) string {
	switch t.Status {
	case task.StatusNeedsAttention:
		return t.AttentionReason
	case task.StatusFailed:
		if t.FailureReason != "" {
			return t.FailureReason
		}
		if t.ExitCode != nil {
			return fmt.Sprintf("exit %d", *t.ExitCode)
		}
	}
	return ""
}

type column struct {
	title string
	width int
}

var columns = []column{
	{"TASK", 14},
	{"AGENT", 12},
	{"STATUS", 18},
	{"AGE", 5},
	{"TITLE", 40},
	{"REASON", 0},
}

// RenderTable formats tasks as an aligned table. Long cells are truncated.
func RenderTable(tasks []task.Task, now time.Time, color bool) string {
	if len(tasks) == 0 {
		msg := "No tasks."
		if color {
			msg = dimStyle.Render(msg)
		}
		return msg + "\n"
	}

	var b strings.Builder
	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = pad(c.title, c.width)
	}
	line := strings.TrimRight(strings.Join(header, " "), " ")
	if color {
		line = headerStyle.Render(line)
	}
	b.WriteString(line + "\n")

	for _, t := range tasks {
		status := pad(StatusIcon(t.Status)+" "+string(t.Status), columns[2].width)
		if color {
			if st, ok := statusStyles[t.Status]; ok {
				status = st.Render(status)
			}
		}
		cells := []string{
			pad(truncate(t.TaskID, columns[0].width), columns[0].width),
			pad(truncate(t.AgentType, columns[1].width), columns[1].width),
			status,
			pad(FormatAge(t.Age(now)), columns[3].width),
			pad(truncate(t.Title, columns[4].width), columns[4].width),
			Reason(t),
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, " "), " ") + "\n")
	}
	return b.String()
}

func pad(s string, width int) string {
	if width <= 0 {
		return s
	}
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}

func truncate(s string, width int) string {
	if width <= 0 || utf8.RuneCountInString(s) <= width {
		return s
	}
	r := []rune(s)
	return string(r[:width-1]) + "…"
}
