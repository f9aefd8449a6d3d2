package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/unforgotten/internal/config"
)

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt Asker
	logger *slog.Logger
	w      io.Writer

	// ConfigPath is where the config is written. Defaults to config.DefaultPath.
	ConfigPath string

	// SkipInstall suppresses the daemon install offer.
	SkipInstall bool
}

// NewWizard creates a Wizard wired to the given I/O and logger. A terminal
// on r gets interactive forms; anything else is read line by line.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: newAsker(r, w),
		logger: logger,
		w:      w,
	}
}

// Run executes the interactive setup wizard. It walks the user through the
// backend connection, notification sinks, config file creation, and optional
// daemon install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to Unforgotten Setup!\n")
	fmt.Fprintf(wiz.w, "This wizard will help you configure and install the Unforgotten sync daemon.\n\n")

	cfgPath := wiz.ConfigPath
	if cfgPath == "" {
		var err error
		if cfgPath, err = config.DefaultPath(); err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
	}

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		overwrite, err := wiz.prompt.Confirm("Overwrite existing configuration?", false)
		if err != nil {
			return err
		}
		if !overwrite {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerDaemonInstall(ctx, cfgPath)
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: backend.
	fmt.Fprintf(wiz.w, "Step 1/4: Backend Connection\n")

	cfg := &config.Config{}
	var err error
	if cfg.BackendURL, err = wiz.prompt.String("Backend URL", "https://api.unforgotten.app"); err != nil {
		return err
	}
	if cfg.Token, err = wiz.prompt.Secret("Access token"); err != nil {
		return err
	}
	if cfg.UserID, err = wiz.prompt.String("User ID", ""); err != nil {
		return err
	}

	fmt.Fprintf(wiz.w, "  Connecting to the backend...")
	accounts, err := DiscoverAccounts(ctx, cfg.BackendURL, cfg.Token, cfg.UserID, wiz.logger)
	if err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("cannot reach the backend: %w\n\n  Check the URL and token, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓\n")

	if err := wiz.chooseAccount(cfg, accounts); err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: notification sinks.
	fmt.Fprintf(wiz.w, "Step 2/4: Notifications\n")
	if err := wiz.configureNotifications(ctx, &cfg.Notifications); err != nil {
		return err
	}

	// Step 3: poll interval.
	fmt.Fprintf(wiz.w, "Step 3/4: Poll Interval\n")

	pollStr, err := wiz.prompt.String("How often to run a full sync? (30s to 1h)", config.DefaultPollInterval.String())
	if err != nil {
		return err
	}
	pollInterval, parseErr := time.ParseDuration(pollStr)
	if parseErr != nil || pollInterval < 30*time.Second || pollInterval > time.Hour {
		pollInterval = config.DefaultPollInterval
		fmt.Fprintf(wiz.w, "  (invalid duration, using default %s)\n", pollInterval)
	}
	cfg.PollInterval = pollInterval
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")

	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)

	return wiz.offerDaemonInstall(ctx, cfgPath)
}

// chooseAccount picks the default account and says which role the user
// holds in it.
func (wiz *Wizard) chooseAccount(cfg *config.Config, accounts []Account) error {
	var acc Account
	switch len(accounts) {
	case 0:
		fmt.Fprintf(wiz.w, "  No accounts yet. The daemon will pick one up once you are invited.\n")
		return nil
	case 1:
		acc = accounts[0]
		fmt.Fprintf(wiz.w, "  Using account %s\n", acc)
	default:
		names := make([]string, len(accounts))
		for i, a := range accounts {
			names[i] = a.String()
		}
		idx, err := wiz.prompt.Select("Default account", names)
		if err != nil {
			return fmt.Errorf("selecting account: %w", err)
		}
		acc = accounts[idx]
	}
	cfg.AccountID = acc.ID

	if !acc.Role.CanWrite() {
		role := string(acc.Role)
		if role == "" {
			role = "no role"
		}
		fmt.Fprintf(wiz.w, "  ! You have %s in %s: changes made here stay local and will not be uploaded.\n", role, acc.Name)
	}
	return nil
}

// Sink choices offered by configureNotifications, in display order.
const (
	sinkReminders = iota
	sinkHomeAssistant
	sinkBoth
	sinkNone
)

var sinkChoices = []string{
	sinkReminders:     "Apple Reminders",
	sinkHomeAssistant: "Home Assistant todo list",
	sinkBoth:          "Both",
	sinkNone:          "Neither (log only)",
}

// configureNotifications asks where reminder and appointment alerts should
// appear and configures the chosen sinks.
func (wiz *Wizard) configureNotifications(ctx context.Context, n *config.NotificationsConfig) error {
	choice, err := wiz.prompt.Select("Where should alerts appear?", sinkChoices)
	if err != nil {
		return fmt.Errorf("choosing notification sink: %w", err)
	}

	if choice == sinkReminders || choice == sinkBoth {
		if err := wiz.configureReminders(n); err != nil {
			return err
		}
	}
	if choice == sinkHomeAssistant || choice == sinkBoth {
		if err := wiz.configureHomeAssistant(ctx, n); err != nil {
			return err
		}
	}
	if choice == sinkNone {
		fmt.Fprintf(wiz.w, "  Alerts will only be logged.\n")
	}
	fmt.Fprintf(wiz.w, "\n")
	return nil
}

func (wiz *Wizard) configureReminders(n *config.NotificationsConfig) error {
	fmt.Fprintf(wiz.w, "  Discovering Reminders lists (may trigger permissions prompt)...\n")
	lists, err := DiscoverRemindersLists(wiz.logger)
	if err != nil || len(lists) == 0 {
		if err != nil {
			wiz.logger.Warn("could not discover Reminders lists", "error", err)
		}
		if n.AppleReminders, err = wiz.prompt.String("Reminders list name", "Unforgotten"); err != nil {
			return err
		}
	} else {
		options := make([]string, len(lists))
		for i, l := range lists {
			options[i] = fmt.Sprintf("%s (%d items)", l.Title, l.Count)
		}
		idx, err := wiz.prompt.Select("Reminders list", options)
		if err != nil {
			return fmt.Errorf("selecting Reminders list: %w", err)
		}
		n.AppleReminders = lists[idx].Title
	}
	fmt.Fprintf(wiz.w, "  ✓ Alerts go to Reminders list %q\n", n.AppleReminders)
	return nil
}

func (wiz *Wizard) configureHomeAssistant(ctx context.Context, n *config.NotificationsConfig) error {
	haURL, err := wiz.prompt.String("HA URL", "http://homeassistant.local:8123")
	if err != nil {
		return err
	}
	haToken, err := wiz.prompt.Secret("HA access token")
	if err != nil {
		return err
	}

	fmt.Fprintf(wiz.w, "  Connecting to Home Assistant...")
	if err := PingHA(ctx, haURL, haToken); err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("cannot reach Home Assistant: %w\n\n  Check the URL and token, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓\n")

	var entityID string
	entities, err := DiscoverHATodoEntities(ctx, haURL, haToken)
	if err != nil || len(entities) == 0 {
		if err != nil {
			wiz.logger.Warn("could not discover HA entities", "error", err)
		}
		if entityID, err = wiz.prompt.String("HA entity ID (e.g. todo.family)", ""); err != nil {
			return err
		}
	} else {
		names := make([]string, len(entities))
		for i, e := range entities {
			names[i] = e.String()
		}
		idx, err := wiz.prompt.Select("HA todo entity", names)
		if err != nil {
			return fmt.Errorf("selecting HA entity: %w", err)
		}
		entityID = entities[idx].EntityID
	}

	n.HomeAssistant = &config.HomeAssistantConfig{URL: haURL, Token: haToken, EntityID: entityID}
	fmt.Fprintf(wiz.w, "  ✓ Alerts mirrored to %s\n", entityID)
	return nil
}

// offerDaemonInstall asks the user whether to install as a background daemon.
func (wiz *Wizard) offerDaemonInstall(_ context.Context, cfgPath string) error {
	install := false
	if !wiz.SkipInstall {
		var err error
		if install, err = wiz.prompt.Confirm("Install as background daemon (starts on login)?", true); err != nil {
			return err
		}
	}
	if !install {
		fmt.Fprintf(wiz.w, "\n  Skipping daemon install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: %s daemon\n", BinaryName)
		fmt.Fprintf(wiz.w, "  Or install later with:     %s setup\n\n", BinaryName)
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "  Installing binary to %s...\n", BinaryInstallPath())
	if err := InstallBinary(); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Binary installed\n")

	if err := WritePlist(homeDir, cfgPath); err != nil {
		return fmt.Errorf("writing plist: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ LaunchAgent plist written\n")

	if err := CreateLogDir(homeDir); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Log directory created\n")

	if err := LoadDaemon(homeDir); err != nil {
		return fmt.Errorf("loading daemon: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Daemon loaded, running now\n")

	fmt.Fprintf(wiz.w, "\nSetup complete! Unforgotten is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", cfgPath)
	fmt.Fprintf(wiz.w, "  Logs:    %s\n", LogDir(homeDir))
	fmt.Fprintf(wiz.w, "  Status:  %s status\n", BinaryName)
	fmt.Fprintf(wiz.w, "  Remove:  %s uninstall\n\n", BinaryName)

	return nil
}
