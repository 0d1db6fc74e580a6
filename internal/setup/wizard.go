package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/exchangesync/internal/config"
	"github.com/njoerd114/exchangesync/internal/exchange"
)

// Wizard adds or replaces one account in the configuration file and
// optionally installs the background service.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer

	// ConfigPath is the file written by Run. Defaults to config.DefaultPath.
	ConfigPath string

	// Dialer connects to a server URL. Defaults to exchange.HTTPDialer.
	Dialer func(serverURL string) exchange.Dialer

	// SkipInstall leaves the service question out.
	SkipInstall bool
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
		Dialer: func(serverURL string) exchange.Dialer {
			return exchange.HTTPDialer{BaseURL: serverURL}
		},
	}
}

// Run executes the interactive setup: account, server probe, folder
// selection, sync interval, config file, and service install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nexchangesync setup\n")
	fmt.Fprintf(wiz.w, "This wizard adds an Exchange account to the configuration.\n\n")

	cfgPath := wiz.ConfigPath
	if cfgPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
		cfgPath = p
	}

	cfg, err := wiz.loadExisting(cfgPath)
	if err != nil {
		return err
	}

	// Step 1: account.
	fmt.Fprintf(wiz.w, "Step 1/4: Account\n")
	user := config.UserConfig{
		ServerURL: wiz.prompt.String("Server URL", "https://outlook.office365.com/ews"),
		Username:  wiz.prompt.String("User name or mail address", ""),
		Domain:    wiz.prompt.Optional("Windows domain"),
		Password:  wiz.prompt.Secret("Password"),
	}

	fmt.Fprintf(wiz.w, "  Connecting...")
	svc, creds, err := Probe(ctx, wiz.Dialer(user.ServerURL), exchange.Credentials{
		Username: user.Username,
		Password: user.Password,
		Domain:   user.Domain,
	})
	if err != nil {
		fmt.Fprintf(wiz.w, " failed\n")
		return fmt.Errorf("cannot log in to %s: %w\n\n  Check the URL and credentials, then try again", user.ServerURL, err)
	}
	user.Domain = creds.Domain
	fmt.Fprintf(wiz.w, " ok\n\n")

	// Step 2: folders.
	fmt.Fprintf(wiz.w, "Step 2/4: Calendar Folders\n")
	if err := wiz.chooseFolders(ctx, svc, &user); err != nil {
		return err
	}

	// Step 3: interval.
	fmt.Fprintf(wiz.w, "Step 3/4: Sync Interval\n")
	user.Delay = wiz.prompt.Duration("How often to synchronize? (at least 5s)", 30*time.Second)
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: save.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")
	if existing, ok := cfg.User(user.Username); ok {
		user.Timezone = existing.Timezone
		user.MaxLookBackDays = existing.MaxLookBackDays
		user.DeleteOnUnsync = existing.DeleteOnUnsync
		*existing = user
	} else {
		cfg.Users = append(cfg.Users, user)
	}
	if err := config.Write(cfgPath, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  Config written to %s\n\n", cfgPath)

	if wiz.SkipInstall {
		return nil
	}
	return wiz.offerDaemonInstall(cfgPath)
}

// loadExisting returns the configuration at path, or an empty one when the
// file does not exist or the user chooses to start over.
func (wiz *Wizard) loadExisting(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return &config.Config{}, nil
	}
	if err != nil {
		wiz.logger.Warn("existing config is unreadable", "path", path, "error", err)
		if !wiz.prompt.Confirm(fmt.Sprintf("Config at %s is invalid. Replace it?", path), false) {
			return nil, fmt.Errorf("keeping invalid config %s: %w", path, err)
		}
		return &config.Config{}, nil
	}
	fmt.Fprintf(wiz.w, "  Existing config found at %s with %d account(s).\n", path, len(cfg.Users))
	fmt.Fprintf(wiz.w, "  Entering an existing user name replaces that account.\n\n")
	return cfg, nil
}

func (wiz *Wizard) chooseFolders(ctx context.Context, svc exchange.Service, user *config.UserConfig) error {
	folders, err := DiscoverFolders(ctx, svc)
	if err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "  Found %d calendar folder(s).\n", len(folders))

	if len(folders) == 0 || wiz.prompt.Confirm("Synchronize every calendar folder, including ones created later?", true) {
		user.SyncAllFolders = true
		fmt.Fprintf(wiz.w, "\n")
		return nil
	}

	names := make([]string, len(folders))
	for i, f := range folders {
		names[i] = f.Name
	}
	picked, err := wiz.prompt.MultiSelect("Folders to synchronize", names)
	if err != nil {
		return fmt.Errorf("selecting folders: %w", err)
	}
	for _, i := range picked {
		user.Folders = append(user.Folders, folders[i].ID)
	}
	fmt.Fprintf(wiz.w, "\n")
	return nil
}

// offerDaemonInstall asks whether to install the systemd user service.
func (wiz *Wizard) offerDaemonInstall(cfgPath string) error {
	if !wiz.prompt.Confirm("Install as systemd user service (starts on login)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping service install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: exchangesync daemon\n\n")
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Fprintf(wiz.w, "\n  Installing binary to %s...\n", BinaryInstallPath(homeDir))
	if err := InstallBinary(homeDir); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	if err := WriteUnit(homeDir, cfgPath); err != nil {
		return fmt.Errorf("writing unit: %w", err)
	}
	fmt.Fprintf(wiz.w, "  Unit written to %s\n", UnitPath(homeDir))
	if err := EnableDaemon(); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}

	fmt.Fprintf(wiz.w, "\nSetup complete! exchangesync is running in the background.\n")
	fmt.Fprintf(wiz.w, "  Logs:    journalctl --user -u %s\n", UnitName)
	fmt.Fprintf(wiz.w, "  Status:  exchangesync status\n")
	fmt.Fprintf(wiz.w, "  Remove:  exchangesync uninstall\n\n")
	return nil
}
