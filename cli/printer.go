package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/yllada/vpn-sso/common"
	"github.com/yllada/vpn-sso/history"
)

// Printer writes connection events to the terminal. It is the
// common.Observer of the CLI.
type Printer struct {
	// mu serializes writes from the manager and the CLI.
	mu     sync.Mutex
	out    io.Writer
	styled bool
	now    func() time.Time

	headerStyle  lipgloss.Style
	infoStyle    lipgloss.Style
	successStyle lipgloss.Style
	errorStyle   lipgloss.Style
	logStyle     lipgloss.Style
}

// NewPrinter creates a printer for out. Styling is enabled only when out
// is a terminal.
func NewPrinter(out io.Writer) *Printer {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}

	return &Printer{
		out:          out,
		styled:       styled,
		now:          time.Now,
		headerStyle:  lipgloss.NewStyle().Bold(true),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		logStyle:     lipgloss.NewStyle().Faint(true),
	}
}

func (p *Printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *Printer) header(s string) string {
	return p.render(p.headerStyle, s)
}

func (p *Printer) outcome(o history.Outcome) string {
	switch o {
	case history.OutcomeFailed:
		return p.render(p.errorStyle, string(o))
	case history.OutcomeDisconnected:
		return p.render(p.successStyle, string(o))
	default:
		return string(o)
	}
}

func (p *Printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

// Infof prints an informational line.
func (p *Printer) Infof(format string, args ...interface{}) {
	p.println(p.render(p.infoStyle, fmt.Sprintf(format, args...)))
}

// Successf prints a success line.
func (p *Printer) Successf(format string, args ...interface{}) {
	p.println(p.render(p.successStyle, fmt.Sprintf(format, args...)))
}

// Errorf prints an error line.
func (p *Printer) Errorf(format string, args ...interface{}) {
	p.println(p.render(p.errorStyle, fmt.Sprintf(format, args...)))
}

// OnStateChange implements common.Observer.
func (p *Printer) OnStateChange(_, new common.ConnectionState, service *common.AuthService) {
	line := fmt.Sprintf("[%s] %s", service.Name, new)
	switch new {
	case common.StateConnected:
		p.Successf("%s", line)
	case common.StateFailing:
		p.Errorf("%s", line)
	default:
		p.Infof("%s", line)
	}
}

// OnLog implements common.Observer.
func (p *Printer) OnLog(line string) {
	stamp := p.now().UTC().Format(time.RFC3339)
	p.println(p.render(p.logStyle, "["+stamp+"] "+line))
}
