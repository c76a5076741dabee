// Package main provides the entry point for the VPN SSO client.
// VPN SSO connects OpenVPN tunnels whose credentials come from an OpenID
// Connect sign-in instead of a stored password.
//
// Features:
//   - Provider discovery and authorization-code sign-in in the browser
//   - OpenVPN launch with credentials answered on its prompts
//   - Connection history and desktop notifications
//   - Optional tunnel health monitoring
//
// Usage:
//
//	vpn-sso [options]
//
// Environment:
//
//	The application requires OpenVPN to be installed on the system.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/yllada/vpn-sso/cli"
	"github.com/yllada/vpn-sso/common"
	"github.com/yllada/vpn-sso/config"
	"github.com/yllada/vpn-sso/history"
	"github.com/yllada/vpn-sso/notify"
	"github.com/yllada/vpn-sso/oidc"
	"github.com/yllada/vpn-sso/vpn"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

// historyRetention is how long attempts are kept in the history database.
const historyRetention = 90 * 24 * time.Hour

var (
	configPath   = flag.String("config", "", "Path to the settings file")
	servicesPath = flag.String("services", "", "Path to the services file")
	showVersion  = flag.Bool("version", false, "Show version and exit")
	verbose      = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp     = flag.Bool("help", false, "Show help message")

	listServices   = flag.Bool("list", false, "List authentication services")
	connectService = flag.String("connect", "", "Sign in and connect to a service by ID or name")
	showHistory    = flag.Bool("history", false, "Show recent connection attempts")
	showVersions   = flag.Bool("versions", false, "Show component versions")
)

func main() {
	flag.Parse()

	if *showHelp {
		cli.PrintHelp(os.Stdout)
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("%s v%s\n", common.AppName, appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	logLevel := common.LevelInfo
	if *verbose {
		logLevel = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  true,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setupSignalHandler(cancel)

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		common.CloseLogger()
		os.Exit(1)
	}
}

// run loads the configuration, builds the connection manager and
// dispatches to the requested CLI operation.
func run(ctx context.Context) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *servicesPath != "" {
		cfg.ServicesFile = *servicesPath
	}

	versions := &common.VersionInfo{}
	versions.Add(common.AppName, appVersion)
	versions.Add("Go", runtime.Version())

	// A missing client is reported but not fatal: listing services and
	// reading history still work.
	binary := ""
	if inst, err := vpn.NewLocator(cfg.OpenVPNPath).Locate(ctx, versions); err != nil {
		common.LogWarn("OpenVPN not found: %v", err)
	} else {
		binary = inst.Path
		common.LogInfo("Using %s (%s)", inst.Path, inst.Version)
	}

	services, err := config.LoadServices(cfg.ServicesFile)
	if err != nil {
		return err
	}

	var store *history.Store
	if cfg.RecordHistory {
		store, err = openHistory(ctx)
		if err != nil {
			common.LogWarn("Connection history disabled: %v", err)
		} else {
			defer store.Close()
		}
	}

	printer := cli.NewPrinter(os.Stdout)
	observers := common.Observers{printer}
	var notifier common.Notifier

	if cfg.ShowNotifications {
		sender, err := notify.NewDBusSender()
		if err != nil {
			common.LogWarn("Desktop notifications unavailable: %v", err)
		} else {
			defer sender.Close()
			n := notify.New(sender)
			observers = append(observers, n)
			notifier = n
		}
	}

	var health *vpn.HealthChecker
	if cfg.HealthCheck.Enabled {
		hc := vpn.DefaultHealthConfig()
		hc.CheckInterval = cfg.HealthCheck.Interval
		hc.FailureThreshold = cfg.HealthCheck.FailureThreshold
		hc.TestHosts = cfg.HealthCheck.Hosts
		health = vpn.NewHealthChecker(hc)
	}

	opts := vpn.Options{
		Services:    services,
		ProfilesDir: cfg.ProfilesDir,
		Binary:      binary,
		Helper:      cfg.PrivilegeHelper,
		Discoverer:  &oidc.Discoverer{Timeout: cfg.DiscoveryTimeout},
		Authorizer: &oidc.Flow{
			NewSession: func(service *common.AuthService) (oidc.Session, error) {
				return oidc.NewSession(service.Redirect, oidc.SessionOptions{OpenBrowser: cfg.OpenBrowser})
			},
			Timeout: cfg.AuthTimeout,
		},
		Runner:         vpn.ExecRunner{},
		Killer:         vpn.SystemKiller{Helper: cfg.PrivilegeHelper},
		ConnectTimeout: cfg.ConnectTimeout,
		Observer:       observers,
		Notifier:       notifier,
		Versions:       versions,
		Health:         health,
	}
	if store != nil {
		opts.History = store
	}

	manager := vpn.NewManager(opts)

	var reader cli.HistoryReader
	if store != nil {
		reader = store
	}
	app := cli.New(manager, reader, printer)

	switch {
	case *connectService != "":
		return app.Connect(ctx, *connectService)
	case *showHistory:
		return app.History(ctx, 20)
	case *showVersions:
		return app.Versions()
	default:
		return app.ListServices()
	}
}

// openHistory opens the attempt database and drops entries past retention.
func openHistory(ctx context.Context) (*history.Store, error) {
	path, err := history.DefaultPath()
	if err != nil {
		return nil, err
	}
	store, err := history.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if n, err := store.Prune(ctx, time.Now().Add(-historyRetention)); err != nil {
		common.LogWarn("Failed to prune connection history: %v", err)
	} else if n > 0 {
		common.LogDebug("Pruned %d history entries", n)
	}
	return store, nil
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context to allow cleanup.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, disconnecting...", sig)
		cancel()
	}()
}
