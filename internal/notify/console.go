package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/conneroisu/sitepipe/internal/errors"
)

// Colors.
var (
	Red    = lipgloss.Color("#D93025")
	Yellow = lipgloss.Color("#F59E0B")
	Slate  = lipgloss.Color("#667085")
	Green  = lipgloss.Color("#22A06B")
)

// Icons.
const (
	Check = "✓"
	Cross = "✗"
)

// Console prints failures to a terminal, one block per failure:
//
//	✗ Compile Error [styles]
//	  app/assets/sass/main.scss:12:4
//	  expected "}"
type Console struct {
	out   io.Writer
	mutex sync.Mutex

	title    lipgloss.Style
	location lipgloss.Style
	message  lipgloss.Style
}

// NewConsole creates a console notifier writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{
		out:      out,
		title:    lipgloss.NewStyle().Bold(true).Foreground(Red),
		location: lipgloss.NewStyle().Foreground(Slate),
		message:  lipgloss.NewStyle().PaddingLeft(2),
	}
}

// NotifyError implements Notifier.
func (c *Console) NotifyError(_ context.Context, err *errors.PipelineError) error {
	if err == nil {
		return nil
	}

	title := Cross + " " + titleFor(err)
	if err.Task != "" {
		title += " [" + err.Task + "]"
	}

	block := c.title.Render(title) + "\n"
	if err.FilePath != "" {
		loc := err.FilePath
		if err.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", loc, err.Line, err.Column)
		}
		block += c.message.Render(c.location.Render(loc)) + "\n"
	}

	msg := err.Message
	if err.Cause != nil {
		msg += ": " + err.Cause.Error()
	}
	block += c.message.Render(msg) + "\n"

	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, werr := io.WriteString(c.out, block)
	return werr
}

// Success prints a one-line success message.
func (c *Console) Success(msg string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, _ = fmt.Fprintln(c.out, lipgloss.NewStyle().Foreground(Green).Render(Check+" "+msg))
}

func titleFor(err *errors.PipelineError) string {
	switch err.Type {
	case errors.ErrorTypeTransform:
		return "Compile Error"
	case errors.ErrorTypeConfig:
		return "Configuration Error"
	case errors.ErrorTypeFilesystem:
		return "Filesystem Error"
	case errors.ErrorTypeTimeout:
		return "Timed Out"
	case errors.ErrorTypeCancelled:
		return "Cancelled"
	default:
		return "Error"
	}
}
