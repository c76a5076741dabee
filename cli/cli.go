// Package cli provides the terminal front end for the VPN SSO client.
// It lists services, connects in the foreground, and shows history and
// component versions.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yllada/vpn-sso/common"
	"github.com/yllada/vpn-sso/history"
	"github.com/yllada/vpn-sso/vpn"
)

// HistoryReader lists recorded connection attempts.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// CLI represents the command-line interface.
type CLI struct {
	manager *vpn.Manager
	history HistoryReader
	printer *Printer
}

// New creates a CLI over manager. store may be nil when history is disabled.
func New(manager *vpn.Manager, store HistoryReader, printer *Printer) *CLI {
	return &CLI{
		manager: manager,
		history: store,
		printer: printer,
	}
}

// ListServices lists the configured authentication services.
func (c *CLI) ListServices() error {
	services := c.manager.Services()
	out := c.printer.out

	if len(services) == 0 {
		fmt.Fprintln(out, "No service found.")
		return nil
	}

	current := c.manager.Current()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, c.printer.header("ID\tNAME\tSTATUS\tDESCRIPTION"))
	fmt.Fprintln(w, "--\t----\t------\t-----------")

	for _, service := range services {
		status := common.StateDisconnected.String()
		if current != nil && current.ID == service.ID {
			status = c.manager.Status().String()
		}

		description := service.Description
		if description == "" {
			description = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", service.ID, service.Name, status, description)
	}

	w.Flush()
	fmt.Fprintf(out, "\n%d services available.\n", len(services))
	return nil
}

// Connect authenticates and keeps the tunnel up in the foreground until
// ctx is cancelled (Ctrl+C) or the client exits.
func (c *CLI) Connect(ctx context.Context, id string) error {
	service := c.findService(id)
	if service == nil {
		return fmt.Errorf("%w: %s", common.ErrServiceNotFound, id)
	}

	c.printer.Infof("Connecting to %s...", service.Name)

	if err := c.manager.Connect(ctx, service.ID); err != nil {
		if errors.Is(err, common.ErrCancelled) {
			c.printer.Infof("Connection cancelled.")
			return nil
		}
		return fmt.Errorf("connection failed: %w", err)
	}

	c.printer.Successf("✓ Connected to %s. Press Ctrl+C to disconnect.", service.Name)

	done := make(chan error, 1)
	go func() { done <- c.manager.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.printer.Infof("Disconnecting from %s...", service.Name)
		if err := c.manager.Disconnect(); err != nil && !errors.Is(err, common.ErrNotConnected) {
			return fmt.Errorf("failed to disconnect: %w", err)
		}
		<-done
		c.printer.Successf("✓ Disconnected from %s", service.Name)
		return nil
	}
}

// History shows the most recent connection attempts.
func (c *CLI) History(ctx context.Context, limit int) error {
	out := c.printer.out
	if c.history == nil {
		fmt.Fprintln(out, "Connection history is disabled.")
		return nil
	}

	entries, err := c.history.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No connection attempts recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, c.printer.header("STARTED\tSERVICE\tOUTCOME\tUPTIME\tDETAIL"))
	fmt.Fprintln(w, "-------\t-------\t-------\t------\t------")

	for _, e := range entries {
		uptime := "-"
		if d := e.Duration(); d > 0 {
			uptime = formatDuration(d)
		}

		detail := e.Error
		if detail == "" {
			detail = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Started.Local().Format("2006-01-02 15:04:05"), e.ServiceName,
			c.printer.outcome(e.Outcome), uptime, detail)
	}

	w.Flush()
	return nil
}

// Versions prints the component versions, one per line.
func (c *CLI) Versions() error {
	for _, v := range c.manager.Versions() {
		fmt.Fprintln(c.printer.out, v)
	}
	return nil
}

// findService finds a service by ID or name (case-insensitive).
func (c *CLI) findService(idOrName string) *common.AuthService {
	idOrName = strings.ToLower(strings.TrimSpace(idOrName))

	services := c.manager.Services()
	for i := range services {
		if strings.ToLower(services[i].ID) == idOrName ||
			strings.ToLower(services[i].Name) == idOrName {
			return &services[i]
		}
	}

	return nil
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// PrintHelp prints CLI usage help.
func PrintHelp(w io.Writer) {
	fmt.Fprintln(w, `VPN SSO - OpenVPN client with single sign-on

Usage:
  vpn-sso [OPTIONS]

Options:
  --config PATH       Use an alternate settings file
  --services PATH     Use an alternate services file
  --list              List authentication services (default)
  --connect ID        Sign in and connect, stays in the foreground
  --history           Show recent connection attempts
  --versions          Show component versions
  --verbose           Enable verbose logging
  --version           Show version and exit
  --help              Show this help message

Examples:
  vpn-sso --list
  vpn-sso --connect corp
  vpn-sso --history

Notes:
  - Services are read from config.json in the configuration directory
  - OpenVPN profiles are read from the profiles directory next to it
  - Press Ctrl+C while connected to disconnect`)
}
