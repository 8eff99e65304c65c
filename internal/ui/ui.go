// Package ui renders task trees and notices for the terminal.
package ui

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/treetodo/treetodo/internal/sync"
	"github.com/treetodo/treetodo/internal/task"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	crumbStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	idStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	columnStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Width(32)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	statusStyles = map[task.Status]lipgloss.Style{
		task.StatusTodo:  lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		task.StatusDoing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		task.StatusDone:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Strikethrough(true),
	}
)

// DisableColor renders plain text from now on.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// ConfigureColor disables color when NO_COLOR is set or noColor is true.
func ConfigureColor(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// ID returns the identifier users type to reference t.
func ID(t *task.Task) string {
	if t.IsCollaborative() {
		return string(t.StableID)
	}
	return fmt.Sprintf("%d", t.LocalID)
}

// Breadcrumb renders the opened path, root first.
func Breadcrumb(title string, path []*task.Task) string {
	parts := []string{title}
	for _, t := range path {
		parts = append(parts, t.Name)
	}
	return crumbStyle.Render(strings.Join(parts, " › "))
}

// Board renders tasks as TODO, DOING and DONE columns ordered by flex index.
func Board(tasks []*task.Task) string {
	columns := map[task.Status][]*task.Task{}
	for _, t := range tasks {
		columns[t.Status] = append(columns[t.Status], t)
	}

	var rendered []string
	for _, status := range []task.Status{task.StatusTodo, task.StatusDoing, task.StatusDone} {
		col := columns[status]
		sort.SliceStable(col, func(i, j int) bool { return col[i].FlexIndex < col[j].FlexIndex })

		lines := []string{headerStyle.Render(fmt.Sprintf("%s (%d)", strings.ToUpper(status.String()), len(col)))}
		for _, t := range col {
			lines = append(lines, statusStyles[status].Render(t.Name)+" "+idStyle.Render(ID(t)))
		}
		rendered = append(rendered, columnStyle.Render(strings.Join(lines, "\n")))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

// Tree renders every task indented under its parent.
func Tree(tasks []*task.Task) string {
	children := map[task.ParentRef][]*task.Task{}
	for _, t := range tasks {
		p := task.ParentOf(t)
		children[p] = append(children[p], t)
	}
	for _, list := range children {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Status != list[j].Status {
				return list[i].Status < list[j].Status
			}
			return list[i].FlexIndex < list[j].FlexIndex
		})
	}

	var b strings.Builder
	seen := map[task.ParentRef]bool{}
	var walk func(parent task.ParentRef, depth int)
	walk = func(parent task.ParentRef, depth int) {
		if seen[parent] {
			return
		}
		seen[parent] = true
		for _, t := range children[parent] {
			fmt.Fprintf(&b, "%s%s %s %s\n",
				strings.Repeat("  ", depth),
				marker(t.Status),
				statusStyles[t.Status].Render(t.Name),
				idStyle.Render(ID(t)))
			walk(task.Under(t), depth+1)
		}
	}
	walk(task.Root, 0)
	return strings.TrimSuffix(b.String(), "\n")
}

func marker(s task.Status) string {
	switch s {
	case task.StatusDoing:
		return "[~]"
	case task.StatusDone:
		return "[x]"
	default:
		return "[ ]"
	}
}

// Success renders a confirmation line.
func Success(format string, args ...any) string {
	return successStyle.Render(fmt.Sprintf(format, args...))
}

// Warning renders a warning line.
func Warning(format string, args ...any) string {
	return warningStyle.Render(fmt.Sprintf(format, args...))
}

// Error renders an error line.
func Error(format string, args ...any) string {
	return errorStyle.Render(fmt.Sprintf(format, args...))
}

// Notice renders a background notice with the style of its level.
func Notice(n sync.Notice) string {
	switch n.Level {
	case sync.LevelError:
		return Error("Error: %s", n)
	case sync.LevelWarning:
		return Warning("Warning: %s", n)
	default:
		return n.String()
	}
}
