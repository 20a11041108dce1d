// Package console is the human-facing output sink handed to every executor.
// It never writes to stdout, which is reserved for the pipe protocol.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	phaseStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// Console renders status lines. The zero value discards output.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	styled bool
}

// New returns a Console writing to w; styled enables ANSI colors.
func New(w io.Writer, styled bool) *Console {
	return &Console{w: w, styled: styled}
}

// Discard returns a Console that writes nothing.
func Discard() *Console {
	return &Console{w: io.Discard}
}

func (c *Console) Phase(name, runID string) {
	c.line(phaseStyle, "▶ ", fmt.Sprintf("%s  %s", name, c.dim("run "+runID)))
}

func (c *Console) Info(format string, args ...any) {
	c.line(lipgloss.NewStyle(), "  ", fmt.Sprintf(format, args...))
}

func (c *Console) Success(format string, args ...any) {
	c.line(successStyle, "✓ ", fmt.Sprintf(format, args...))
}

func (c *Console) Warn(format string, args ...any) {
	c.line(warnStyle, "⚠ ", fmt.Sprintf(format, args...))
}

func (c *Console) Error(format string, args ...any) {
	c.line(errorStyle, "✗ ", fmt.Sprintf(format, args...))
}

func (c *Console) dim(s string) string {
	if !c.styled {
		return s
	}
	return dimStyle.Render(s)
}

func (c *Console) line(style lipgloss.Style, prefix, msg string) {
	if c == nil || c.w == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	text := prefix + msg
	if c.styled {
		text = style.Render(prefix) + msg
	}
	fmt.Fprintln(c.w, text)
}
