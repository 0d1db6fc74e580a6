// exchangesync keeps Exchange calendar folders and a local calendar store
// in sync, in both directions, for one or more accounts.
//
// Usage:
//
//	exchangesync setup                                 # interactive account wizard
//	exchangesync daemon [--config <path>]              # scheduled sync for every account
//	exchangesync sync-once [--config ...] [--user u]   # single pass then exit
//	exchangesync folders --user u                      # list remote folders
//	exchangesync add-folder --user u <folder-id>       # start syncing a folder
//	exchangesync remove-folder --user u <folder-id>    # stop syncing, keep local data
//	exchangesync export [--calendar id] [--out file]   # write a local calendar as ICS
//	exchangesync status                                # show service, paths and cursors
//	exchangesync uninstall [--purge]                   # remove the service
//	exchangesync version                               # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/njoerd114/exchangesync/internal/calendar"
	"github.com/njoerd114/exchangesync/internal/config"
	"github.com/njoerd114/exchangesync/internal/exchange"
	"github.com/njoerd114/exchangesync/internal/setup"
	"github.com/njoerd114/exchangesync/internal/state"
	syncp "github.com/njoerd114/exchangesync/internal/sync"
	"github.com/njoerd114/exchangesync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// shutdownTimeout bounds how long the daemon waits for running passes.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "setup":
		return runSetup()
	case "daemon":
		return runDaemon(args)
	case "sync-once":
		return runSyncOnce(args)
	case "folders", "add-folder", "remove-folder":
		return runFolders(cmd, args)
	case "export":
		return runExport(args)
	case "status":
		return runStatus(args)
	case "uninstall":
		return runUninstall(args)
	case "version":
		fmt.Println("exchangesync", version)
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'exchangesync' for usage", cmd)
}

func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "exchangesync: two-way sync of Exchange calendars")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  exchangesync setup                          Interactive account wizard")
	fmt.Fprintln(os.Stderr, "  exchangesync daemon [--config ...]          Run scheduled sync for every account")
	fmt.Fprintln(os.Stderr, "  exchangesync sync-once [--user u]           Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  exchangesync folders --user u               List remote calendar folders")
	fmt.Fprintln(os.Stderr, "  exchangesync add-folder --user u <id>       Start synchronizing a folder")
	fmt.Fprintln(os.Stderr, "  exchangesync remove-folder --user u <id>    Stop synchronizing a folder")
	fmt.Fprintln(os.Stderr, "  exchangesync export [--calendar id]         Write a local calendar as ICS")
	fmt.Fprintln(os.Stderr, "  exchangesync status                         Show service, paths and cursors")
	fmt.Fprintln(os.Stderr, "  exchangesync uninstall [--purge]            Remove the systemd service")
	fmt.Fprintln(os.Stderr, "  exchangesync version                        Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'exchangesync setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Shared wiring -----------------------------------------------------------

// commonFlags registers the flags every sync command takes.
func commonFlags(fs *flag.FlagSet) (cfgPath *string, verbose *bool) {
	defaultCfg, _ := config.DefaultPath()
	cfgPath = fs.String("config", defaultCfg, "path to config.yaml")
	verbose = fs.Bool("verbose", false, "enable debug logging")
	return cfgPath, verbose
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// app is the opened configuration and stores shared by the commands.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	local  *calendar.Store
	state  *state.Store
	closer []func() error
}

func openApp(cfgPath string, logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded", "path", cfgPath, "users", len(cfg.Users), "workers", cfg.Workers)

	a := &app{cfg: cfg, log: logger}

	statePath, err := pathOr(cfg.StateDB, state.DefaultDBPath)
	if err != nil {
		return nil, err
	}
	if a.state, err = state.Open(statePath); err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", statePath, err)
	}
	a.closer = append(a.closer, a.state.Close)

	calPath, err := pathOr(cfg.CalendarDB, calendar.DefaultDBPath)
	if err != nil {
		a.close()
		return nil, err
	}
	if a.local, err = calendar.Open(calPath); err != nil {
		a.close()
		return nil, fmt.Errorf("opening calendar DB at %q: %w", calPath, err)
	}
	a.closer = append(a.closer, a.local.Close)

	logger.Debug("databases opened", "state", statePath, "calendar", calPath)
	return a, nil
}

func pathOr(configured string, fallback func() (string, error)) (string, error) {
	if configured != "" {
		return configured, nil
	}
	p, err := fallback()
	if err != nil {
		return "", fmt.Errorf("resolving database path: %w", err)
	}
	return p, nil
}

func (a *app) close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i](); err != nil {
			a.log.Error("closing database", "error", err)
		}
	}
}

func (a *app) deps() syncp.Deps {
	return syncp.Deps{
		Dialer: func(serverURL string) exchange.Dialer {
			return exchange.HTTPDialer{BaseURL: serverURL}
		},
		Local:          a.local,
		Pairs:          state.NewCorrespondences(a.state),
		State:          a.state,
		ServerLocation: a.cfg.ServerLocation(),
	}
}

// users returns the configured accounts, or only the named one.
func (a *app) users(name string) ([]config.UserConfig, error) {
	if name == "" {
		return a.cfg.Users, nil
	}
	u, ok := a.cfg.User(name)
	if !ok {
		return nil, fmt.Errorf("user %q is not in the config", name)
	}
	return []config.UserConfig{*u}, nil
}

// setupTelemetry installs the OTLP providers and returns their flush.
func (a *app) setupTelemetry(ctx context.Context) func() {
	shutdown, err := telemetry.Setup(ctx, a.cfg.Telemetry, version)
	if err != nil {
		a.log.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return func() {}
	}
	if a.cfg.Telemetry != nil {
		a.log.Info("telemetry enabled", "endpoint", a.cfg.Telemetry.OTLPEndpoint)
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			a.log.Error("telemetry shutdown error", "error", err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// --- Subcommands -------------------------------------------------------------

func runSetup() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signalContext()
	defer stop()

	return setup.NewWizard(os.Stdin, os.Stdout, logger).Run(ctx)
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)
	a, err := openApp(*cfgPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()
	defer a.setupTelemetry(ctx)()

	sched := syncp.NewScheduler(a.cfg.Workers, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	reg := syncp.NewRegistry(a.deps(), sched, logger)

	for _, u := range a.cfg.Users {
		if err := reg.Login(ctx, u); err != nil {
			logger.Error("account not started", "user", u.Username, "error", err)
		}
	}
	if len(reg.Users()) == 0 {
		_ = sched.Stop(context.Background())
		return errors.New("no account could log in")
	}

	logger.Info("daemon started", "users", reg.Users())
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	user := fs.String("user", "", "only synchronize this account")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)
	a, err := openApp(*cfgPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	users, err := a.users(*user)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	defer a.setupTelemetry(ctx)()

	reg := syncp.NewRegistry(a.deps(), nil, logger)
	defer func() { _ = reg.Shutdown(context.Background()) }()

	var errs []error
	for _, u := range users {
		if err := reg.Login(ctx, u); err != nil {
			errs = append(errs, err)
			continue
		}
		stats, err := reg.ForceSync(ctx, u.Username)
		logger.Info("sync complete",
			"user", u.Username,
			"created", stats.Created,
			"updated", stats.Updated,
			"deleted", stats.Deleted,
			"conflicts", stats.Conflicts,
			"errors", stats.Errors,
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("syncing %s: %w", u.Username, err))
		}
	}
	return errors.Join(errs...)
}

// runFolders implements folders, add-folder, and remove-folder.
func runFolders(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	user := fs.String("user", "", "account to operate on (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("%s: --user is required", cmd)
	}
	var folderID string
	if cmd != "folders" {
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: exchangesync %s --user <user> <folder-id>", cmd)
		}
		folderID = fs.Arg(0)
	}

	logger := newLogger(*verbose)
	a, err := openApp(*cfgPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	users, err := a.users(*user)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	reg := syncp.NewRegistry(a.deps(), nil, logger)
	defer func() { _ = reg.Shutdown(context.Background()) }()
	if err := reg.Login(ctx, users[0]); err != nil {
		return err
	}

	switch cmd {
	case "add-folder":
		if err := reg.AddFolder(ctx, *user, folderID); err != nil {
			return err
		}
		fmt.Printf("Folder %s is now synchronized; it is seeded on the next pass.\n", folderID)
	case "remove-folder":
		if err := reg.RemoveFolder(ctx, *user, folderID); err != nil {
			return err
		}
		fmt.Printf("Folder %s is no longer synchronized; local data was kept.\n", folderID)
	default:
		folders, err := reg.ListFolders(ctx, *user)
		if err != nil {
			return err
		}
		printFolders(os.Stdout, folders)
	}
	return nil
}

func printFolders(w io.Writer, folders []syncp.FolderStatus) {
	for _, f := range folders {
		mark := " "
		if f.Synced {
			mark = "*"
		}
		fmt.Fprintf(w, "  %s %-30s %s\n", mark, f.Name, f.ID)
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  * synchronized")
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	calID := fs.String("calendar", "", "local calendar id; omit to list calendars")
	out := fs.String("out", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*verbose)
	a, err := openApp(*cfgPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()

	if *calID == "" {
		for _, u := range a.cfg.Users {
			cals, err := a.local.ListCalendars(ctx, u.Username)
			if err != nil {
				return err
			}
			fmt.Printf("%s:\n", u.Username)
			for _, c := range cals {
				fmt.Printf("  %-30s %s\n", c.Name, c.ID)
			}
		}
		return nil
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("creating %s: %w", *out, err)
		}
		defer f.Close()
		w = f
	}
	if err := a.local.ExportICS(ctx, *calID, w); err != nil {
		return fmt.Errorf("exporting calendar %s: %w", *calID, err)
	}
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	homeDir, _ := os.UserHomeDir()

	fmt.Println("exchangesync status")
	fmt.Println("-------------------")

	if setup.IsDaemonActive() {
		fmt.Println("  Service:   running (systemd --user)")
	} else {
		fmt.Println("  Service:   not running")
	}
	if _, err := os.Stat(setup.UnitPath(homeDir)); err == nil {
		fmt.Printf("  Unit:      %s\n", setup.UnitPath(homeDir))
	} else {
		fmt.Println("  Unit:      not installed")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Printf("  Config:    %s (%v)\n", *cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:    %s\n", *cfgPath)

	statePath, err := pathOr(cfg.StateDB, state.DefaultDBPath)
	if err != nil {
		return err
	}
	calPath, err := pathOr(cfg.CalendarDB, calendar.DefaultDBPath)
	if err != nil {
		return err
	}
	printDB("State DB", statePath)
	printDB("Calendar", calPath)

	if _, err := os.Stat(statePath); err != nil {
		return nil
	}
	st, err := state.Open(statePath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", statePath, err)
	}
	defer st.Close()

	ctx := context.Background()
	for _, u := range cfg.Users {
		fmt.Printf("\n  %s (every %s)\n", u.Username, u.Delay)
		us, err := st.GetUserState(ctx, u.Username)
		if err != nil {
			return err
		}
		fmt.Printf("    Last check:       %s\n", formatCheck(us.LastIncrementalCheck))
		fmt.Printf("    Last full seed:   %s\n", formatCheck(us.LastFullCheck))
		cursors, err := st.ListCursors(ctx, u.Username)
		if err != nil {
			return err
		}
		for _, c := range cursors {
			fmt.Printf("    Folder %s  cursor updated %s\n", c.FolderID, formatCheck(c.UpdatedAt))
		}
	}
	return nil
}

func printDB(label, path string) {
	if info, err := os.Stat(path); err == nil {
		fmt.Printf("  %-10s %s (%s)\n", label+":", path, humanSize(info.Size()))
	} else {
		fmt.Printf("  %-10s %s (not created yet)\n", label+":", path)
	}
}

func formatCheck(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func runUninstall(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	purge := fs.Bool("purge", false, "also remove config and databases")
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Println("Uninstalling exchangesync...")

	steps := []struct {
		done string
		fn   func() error
	}{
		{"Service stopped", func() error { return setup.DisableDaemon(homeDir) }},
		{"Unit removed", func() error { return setup.RemoveUnit(homeDir) }},
		{"Binary removed", func() error { return setup.RemoveBinary(homeDir) }},
	}
	if *purge {
		steps = append(steps, struct {
			done string
			fn   func() error
		}{"Config and databases purged", func() error { return setup.PurgeUserData(homeDir) }})
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			fmt.Printf("  ! %v\n", err)
			continue
		}
		fmt.Printf("  %s\n", s.done)
	}

	if !*purge {
		fmt.Println("")
		fmt.Println("  Config and databases preserved.")
		fmt.Println("  Run with --purge to also remove them:")
		fmt.Println("    exchangesync uninstall --purge")
	}
	fmt.Println("")
	fmt.Println("exchangesync uninstalled.")
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
