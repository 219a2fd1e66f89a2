package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/handover-sh/handover/internal/config"
	"github.com/handover-sh/handover/internal/conn"
	"github.com/handover-sh/handover/internal/event"
	"github.com/handover-sh/handover/internal/fileset"
	"github.com/handover-sh/handover/internal/peers"
	"github.com/handover-sh/handover/internal/permit"
	"github.com/handover-sh/handover/internal/session"
	"github.com/handover-sh/handover/internal/settings"
	"github.com/handover-sh/handover/internal/stats"
	"github.com/handover-sh/handover/internal/ui"
)

var version = "dev"

// defaultPort is the TCP port the migration listener binds when the
// config file doesn't say otherwise. Discovery beacons carry the real
// port, so peers never have to agree on this in advance.
const defaultPort = 54330

func main() {
	os.Exit(run())
}

//nolint:gocyclo // main CLI entry point orchestrates all flag parsing and mode selection
func run() int {
	var (
		verbose     bool
		quiet       bool
		logFile     string
		passcode    string
		showVersion bool
	)

	root := &cobra.Command{
		Use:           "handover",
		Short:         "Migrate files, apps, and preferences between two machines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(verbose, quiet, logFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "handover %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file")
	root.PersistentFlags().StringVar(&passcode, "passcode", "", "shared passcode authenticating both peers")
	root.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	root.AddCommand(peersCmd())
	root.AddCommand(sendCmd(&passcode, &quiet))
	root.AddCommand(receiveCmd(&passcode, &quiet))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "handover: %v\n", err)
		return 1
	}
	return 0
}

func setupLogging(verbose, quiet bool, logFile string) error {
	level := slog.LevelWarn
	switch {
	case verbose:
		level = slog.LevelDebug
	case !quiet:
		level = slog.LevelInfo
	}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if logFile != "" {
		lf, err := os.Create(logFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		handler = slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	return cfg
}

func serviceToken(cfg config.Config) string {
	if cfg.Discovery.ServiceToken != nil {
		return *cfg.Discovery.ServiceToken
	}
	return peers.DefaultServiceToken
}

func listenPort(cfg config.Config) int {
	if cfg.Discovery.Port != nil {
		return *cfg.Discovery.Port
	}
	return defaultPort
}

// peersCmd browses the local network and prints the peers seen.
func peersCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List devices announcing on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			browser := peers.NewBrowser(serviceToken(cfg), event.NewBus())
			if err := browser.Start(); err != nil {
				return err
			}
			defer browser.Stop()

			time.Sleep(wait)
			found := browser.Peers()
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no peers found")
				return nil
			}
			for _, p := range found {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-21s %s\n", p.Name, p.Endpoint(), p.Hint)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to browse before printing")
	return cmd
}

// sendCmd migrates the given paths to a peer, found by announced name or
// addressed directly as host:port.
func sendCmd(passcode *string, quiet *bool) *cobra.Command {
	var resolveWait time.Duration
	cmd := &cobra.Command{
		Use:   "send <peer> <path>...",
		Short: "Send files and apps to a receiving peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if *passcode == "" {
				return errors.New("a --passcode is required")
			}
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			endpoint, err := resolvePeer(ctx, cfg, args[0], resolveWait)
			if err != nil {
				return err
			}

			bus := event.NewBus()
			collector := stats.NewCollector()
			ctl := session.NewController(session.Options{
				Bus:            bus,
				Stats:          collector,
				Policy:         cfg.Policy(),
				ChunkThreshold: chunkThreshold(cfg),
				BWLimit:        bwLimit(cfg),
			})

			presenter := ui.NewPresenter(ui.Config{
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Stats:     collector,
				Bus:       bus,
				IsTTY:     ui.IsTTY(os.Stderr.Fd()),
				Quiet:     *quiet,
			})
			pctx, pcancel := context.WithCancel(ctx)
			defer pcancel()
			go presenter.Run(pctx) //nolint:errcheck // render loop ends with the context
			go ctl.MonitorMemory(pctx)

			opt, err := buildSelection(ctx, cfg, args[1:])
			if err != nil {
				return err
			}

			if err := ctl.Connect(ctx, endpoint, *passcode); err != nil {
				return err
			}
			if err := waitReady(ctx, ctl); err != nil {
				return err
			}
			if err := ctl.MigrateFiles(ctx, opt); err != nil {
				return err
			}
			if err := ctl.MigrateApps(ctx, opt); err != nil {
				return err
			}
			if err := ctl.Complete(); err != nil {
				return err
			}

			pcancel()
			if s := presenter.Summary(); s != "" {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&resolveWait, "resolve-wait", 5*time.Second, "how long to browse for a named peer")
	return cmd
}

// duplicatesFlag is a pflag.Value restricted to the three duplicate
// actions.
type duplicatesFlag struct {
	action *fileset.DuplicateAction
}

var _ pflag.Value = (*duplicatesFlag)(nil)

func (f *duplicatesFlag) String() string { return string(*f.action) }
func (f *duplicatesFlag) Type() string   { return "string" }

func (f *duplicatesFlag) Set(val string) error {
	switch fileset.DuplicateAction(val) {
	case fileset.DuplicateIgnore, fileset.DuplicateOverwrite, fileset.DuplicateMove:
		*f.action = fileset.DuplicateAction(val)
		return nil
	}
	return fmt.Errorf("invalid duplicate action %q (ignore, overwrite, move)", val)
}

// receiveCmd announces this device, accepts one migration, and applies
// it locally.
func receiveCmd(passcode *string, quiet *bool) *cobra.Command {
	var (
		name       string
		duplicates = fileset.DuplicateOverwrite
		backupRoot string
	)
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Announce this device and receive a migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *passcode == "" {
				return errors.New("a --passcode is required")
			}
			cfg := loadConfig()
			if name == "" {
				name, _ = os.Hostname()
			}
			policy := cfg.Policy()
			if cmd.Flags().Changed("duplicates") {
				policy.Duplicates = duplicates
			}
			if backupRoot != "" {
				policy.BackupRoot = backupRoot
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := settings.Open(settings.DefaultPath())
			if err != nil {
				return fmt.Errorf("open settings store: %w", err)
			}
			defer store.Close()

			port := listenPort(cfg)
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				return err
			}
			defer ln.Close()

			announcer := peers.NewAnnouncer(serviceToken(cfg), name, port)
			if err := announcer.Start(); err != nil {
				return err
			}
			defer announcer.Stop()

			bus := event.NewBus()
			collector := stats.NewCollector()
			ctl := session.NewController(session.Options{
				Bus:      bus,
				Stats:    collector,
				Settings: store,
				Policy:   policy,
			})
			ctl.StartDiscovery()
			if ctl.ResumePending() {
				slog.Info("resuming migration after reboot")
			}

			presenter := ui.NewPresenter(ui.Config{
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Stats:     collector,
				Bus:       bus,
				IsTTY:     ui.IsTTY(os.Stderr.Fd()),
				Quiet:     *quiet,
			})
			pctx, pcancel := context.WithCancel(ctx)
			defer pcancel()
			go presenter.Run(pctx) //nolint:errcheck // render loop ends with the context
			go ctl.MonitorMemory(pctx)

			accept := func(actx context.Context, ccfg conn.Config) (*conn.Connection, error) {
				sock, aerr := ln.Accept()
				if aerr != nil {
					return nil, aerr
				}
				return conn.Accept(sock, *passcode, ccfg)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "waiting for a sender on port %d...\n", port)
			cn, err := accept(ctx, ctl.ConnConfig())
			if err != nil {
				return err
			}
			ctl.Adopt(cn, *passcode, accept)

			// Run until the migration completes or the user interrupts.
			for {
				select {
				case <-ctx.Done():
					ctl.Cancel()
					return ctx.Err()
				case <-time.After(200 * time.Millisecond):
				}
				if s := ctl.State(); s.Terminal() {
					pcancel()
					if s == session.StateCompleted {
						if out := presenter.Summary(); out != "" {
							fmt.Fprintln(cmd.OutOrStdout(), out)
						}
						return nil
					}
					return fmt.Errorf("session ended in state %s", s)
				}
			}
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "device name to announce (defaults to hostname)")
	cmd.Flags().Var(&duplicatesFlag{action: &duplicates}, "duplicates", "existing-file handling: ignore, overwrite, or move")
	cmd.Flags().StringVar(&backupRoot, "backup-root", "", "where moved duplicates go under --duplicates=move")
	return cmd
}

// resolvePeer turns a peer argument into host:port, browsing for an
// announced name first and falling back to a literal endpoint.
func resolvePeer(ctx context.Context, cfg config.Config, arg string, wait time.Duration) (string, error) {
	if _, _, err := net.SplitHostPort(arg); err == nil {
		return arg, nil
	}

	browser := peers.NewBrowser(serviceToken(cfg), event.NewBus())
	if err := browser.Start(); err != nil {
		return "", err
	}
	defer browser.Stop()

	deadline := time.After(wait)
	for {
		if p, ok := browser.Find(arg); ok {
			return p.Endpoint(), nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", fmt.Errorf("no peer named %q found; pass host:port directly", arg)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// buildSelection scans every requested path, selects it whole, and
// computes sizes so the peer learns the migration total up front.
func buildSelection(ctx context.Context, cfg config.Config, paths []string) (*fileset.Option, error) {
	scanner := fileset.NewScanner(cfg.Policy())
	pool := permit.NewPool(5)
	opt := fileset.NewOption(fileset.PresetComplete)

	for _, path := range paths {
		root, err := scanner.Build(path)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
		if err := fileset.ComputeSizes(ctx, pool, root); err != nil {
			return nil, err
		}
		opt.AddRoot(root)
		root.SetSelected(true)
	}
	if !opt.ReadyForMigration() {
		return nil, errors.New("nothing selected to migrate")
	}
	return opt, nil
}

// waitReady blocks until the bootstrap exchange finishes.
func waitReady(ctx context.Context, ctl *session.Controller) error {
	for {
		switch ctl.State() {
		case session.StateReadyForMigration:
			return nil
		case session.StateWrongPasscode:
			return errors.New("wrong passcode")
		case session.StateInterrupted, session.StateCancelled:
			return fmt.Errorf("connection lost during establishment")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func chunkThreshold(cfg config.Config) int64 {
	if cfg.Defaults.ChunkThreshold != nil {
		return *cfg.Defaults.ChunkThreshold
	}
	return conn.DefaultChunkThreshold
}

func bwLimit(cfg config.Config) int64 {
	if cfg.Defaults.BWLimit != nil {
		return *cfg.Defaults.BWLimit
	}
	return 0
}
