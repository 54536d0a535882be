// Package display implementation for terminal-based output.
package display

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
)

var (
	stageStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	nameStyle  = lipgloss.NewStyle().Faint(true)
)

// consoleDisplay implements the Display interface for standard terminal output.
type consoleDisplay struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
}

// NewConsole creates a Display that writes to standard error.
func NewConsole() Display {
	return &consoleDisplay{
		out: os.Stderr,
	}
}

// NewWriterDisplay creates a Display that writes to the provided io.Writer.
func NewWriterDisplay(w io.Writer) Display {
	return &consoleDisplay{
		out: w,
	}
}

// StartTask creates a new console-based task tracker and announces it.
func (d *consoleDisplay) StartTask(name string) Task {
	t := &consoleTask{
		name:    name,
		disp:    d,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
	d.Print(fmt.Sprintf("%s %s\n", nameStyle.Render("["+name+"]"), "starting"))
	return t
}

// Log writes a message to slog at Debug level.
func (d *consoleDisplay) Log(msg string) {
	slog.Debug(msg)
}

// Print writes a message directly to the output writer.
func (d *consoleDisplay) Print(msg string) {
	d.mu.Lock()
	out := d.out
	d.mu.Unlock()
	fmt.Fprint(out, msg)
}

// SetVerbose toggles verbose output mode.
func (d *consoleDisplay) SetVerbose(v bool) {
	d.mu.Lock()
	d.verbose = v
	d.mu.Unlock()
}

// Close is a no-op for the console display.
func (d *consoleDisplay) Close() {
	// no-op
}

// consoleTask implements the Task interface for terminal tracking.
type consoleTask struct {
	name    string
	disp    *consoleDisplay
	stage   string
	target  string
	percent int
	spinner spinner.Model
}

// Log writes a task-specific message, clearing and reprinting the status line.
func (t *consoleTask) Log(msg string) {
	t.disp.Print(fmt.Sprintf("\x1b[1A\x1b[2K%s\n", msg))
	t.reprint()
}

// SetStage records a new processing stage for the task and reprints its status line.
func (t *consoleTask) SetStage(name string, target string) {
	t.stage = name
	t.target = target
	slog.Debug("task stage", "task", t.name, "stage", name, "target", target)
	t.disp.Print(fmt.Sprintf("\x1b[1A\x1b[2K%s %s %s\n", nameStyle.Render("["+t.name+"]"), stageStyle.Render(name), target))
}

// Progress updates the completion percentage and reprints the task's status line.
func (t *consoleTask) Progress(percent int, message string) {
	t.percent = percent
	slog.Debug("task progress", "task", t.name, "percent", percent, "message", message)
	t.disp.Print(fmt.Sprintf("\x1b[1A\x1b[2K%s %s %s %d%% %s\n",
		nameStyle.Render("["+t.name+"]"), t.spinner.View(), stageStyle.Render(t.stage), percent, message))
}

// Done marks the task as completed and logs the final state.
func (t *consoleTask) Done() {
	slog.Debug("task done", "task", t.name)
	t.disp.Print(fmt.Sprintf("\x1b[1A\x1b[2K%s %s\n", nameStyle.Render("["+t.name+"]"), doneStyle.Render("Done")))
}

func (t *consoleTask) reprint() {
	t.disp.Print(fmt.Sprintf("%s %s %d%%\n", nameStyle.Render("["+t.name+"]"), stageStyle.Render(t.stage), t.percent))
}
