// Package main is the CLI entry point for dcactivity.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/dcactivity/internal/clock"
	"github.com/eliteGoblin/focusd/dcactivity/internal/config"
	"github.com/eliteGoblin/focusd/dcactivity/internal/daemon"
	"github.com/eliteGoblin/focusd/dcactivity/internal/domain"
	"github.com/eliteGoblin/focusd/dcactivity/internal/infra"
	"github.com/eliteGoblin/focusd/dcactivity/internal/server"
	"github.com/eliteGoblin/focusd/dcactivity/internal/telemetry"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dcactivity",
	Short: "Device activity reporter - serves what the device is doing as JSON",
	Long: `dcactivity is a daemon that reports the device's foreground application,
battery and dock state over HTTP. A desktop client polls the JSON document
to show what is being played.

Identity detection runs in the main loop by default. A background worker
can take over instead; a watchdog disables it if it stalls.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry daemon",
	Long: `Runs the main loop and the HTTP endpoint until interrupted.
Only one daemon may run per status file.`,
	RunE: runServe,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run detection once and print the telemetry document",
	Long: `Runs enough detection cycles to confirm the foreground application
and prints the resulting JSON document. Does not need a running daemon.`,
	RunE: runProbe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Reads the status file and reports whether the daemon is running or shut down uncleanly.`,
	RunE:  runStatus,
}

var titlesCmd = &cobra.Command{
	Use:   "titles",
	Short: "List applications seen in the foreground",
	Long: `Lists the applications recorded in the encrypted title history.
Use --rotate-key to re-encrypt the history under a new key; the daemon
must be stopped first.`,
	RunE: runTitles,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath string
	port       int
	dataDir    string
	logFile    string
	detach     bool
	jsonOutput bool
	rotateKey  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (status, history, flag)")

	serveCmd.Flags().IntVar(&port, "port", config.DefaultPort, "HTTP listen port")
	serveCmd.Flags().StringVar(&logFile, "log-file", "", "Log file path")
	serveCmd.Flags().BoolVar(&detach, "detach", false, "Run in the background")
	titlesCmd.Flags().BoolVar(&rotateKey, "rotate-key", false, "Re-encrypt the title history under a new key")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(titlesCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config over the defaults, then applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Server.Port = port
	}
	if logFile != "" {
		cfg.Paths.LogFile = logFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if detach {
		pid, err := daemon.Detach(daemon.DetachArgs(os.Args[1:], "--detach"))
		if err != nil {
			return err
		}
		fmt.Printf("dcactivity started in background (pid %d)\n", pid)
		fmt.Printf("Logs: %s\n", cfg.Resolve(cfg.Paths.LogFile))
		return nil
	}

	logger := createLogger(cfg.Resolve(cfg.Paths.LogFile))
	defer func() { _ = logger.Sync() }()

	status := infra.NewFileStatusStore(cfg.Resolve(cfg.Paths.StatusFile))
	if err := status.Lock(); err != nil {
		return err
	}
	defer func() { _ = status.Unlock() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var history domain.TitleHistory
	if h, err := openHistory(cfg, true); err != nil {
		logger.Warn("title history unavailable", zap.Error(err))
	} else {
		history = h
		defer h.Close()
	}

	table := infra.NewProcessTable(cfg.Platform.Programs)
	power := infra.NewPowerSupply(cfg.Platform.PowerSupplyDir)
	mode := infra.HostMode{}
	c := clock.Real()
	epoch := infra.BootTime(ctx, c.Now())

	snapshot := telemetry.New(c, epoch, telemetry.Queries{
		Foreground: infra.NewForegroundLocator(cfg.Platform.ForegroundFile),
		Resolver:   table,
		Lister:     table,
		Power:      power,
		Mode:       mode,
	}, cfg.FilterRegistry())

	srv := server.New(cfg.Addr(), logger.Named("http"))
	svc := daemon.NewService(cfg.ServiceConfig(), daemon.Deps{
		Clock:    c,
		Epoch:    epoch,
		Snapshot: snapshot,
		Opener:   table,
		Status:   status,
		History:  history,
		Flag:     infra.NewFlagFile(cfg.Resolve(cfg.Paths.DisableFlag)),
		Probes: daemon.Probes{
			Firmware: infra.HostFirmware{},
			Power:    power,
			Mode:     mode,
			Query:    table,
		},
		HTTP: srv,
	}, infra.NewSessionID(), logger)

	srv.Mount(server.NewHandler(server.Sources{
		State:  snapshot,
		Debug:  svc,
		Titles: history,
	}, logger.Named("http")).Routes())

	return svc.Run(ctx)
}

// openHistory opens the encrypted title history. With create unset it
// never creates files, so read-only commands leave the data dir alone.
func openHistory(cfg *config.Config, create bool) (*infra.EncryptedHistory, error) {
	return infra.OpenHistory(infra.HistoryFiles{
		DB:  cfg.Resolve(cfg.Paths.HistoryDB),
		Key: cfg.Resolve(cfg.Paths.KeyFile),
	}, create)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	table := infra.NewProcessTable(cfg.Platform.Programs)
	c := clock.Real()
	snapshot := telemetry.New(c, infra.BootTime(ctx, c.Now()), telemetry.Queries{
		Foreground: infra.NewForegroundLocator(cfg.Platform.ForegroundFile),
		Resolver:   table,
		Lister:     table,
		Power:      infra.NewPowerSupply(cfg.Platform.PowerSupplyDir),
		Mode:       infra.HostMode{},
	}, cfg.FilterRegistry())

	if fw, err := (infra.HostFirmware{}).FirmwareVersion(ctx); err == nil {
		snapshot.SetFirmware(fw)
	} else {
		logger.Debug("firmware unavailable", zap.Error(err))
	}

	for i := 0; i < telemetry.ConfirmationsRequired; i++ {
		if i > 0 {
			time.Sleep(time.Duration(telemetry.ProgramQueryInterval) * time.Second)
		}
		out := snapshot.Update(ctx, true, true, true)
		logger.Debug("probe cycle",
			zap.Int("cycle", i+1),
			zap.Bool("attempted", out.Attempted),
			zap.String("candidate", domain.FormatProgramID(out.Candidate)),
			zap.String("active", domain.FormatProgramID(out.ActiveProgramID)))
	}

	fmt.Println(string(snapshot.BuildJSON()))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store := infra.NewFileStatusStore(cfg.Resolve(cfg.Paths.StatusFile))

	fmt.Println("\n=== dcactivity Status ===")
	fmt.Printf("Execution mode: %s\n", infra.DetectExecMode().Mode)
	fmt.Printf("Data dir: %s\n", cfg.Paths.DataDir)

	rec, err := store.Read()
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if rec == nil {
		fmt.Println("Status: NEVER STARTED")
		fmt.Println("\nRun 'dcactivity serve' to start reporting.")
		return nil
	}

	// A daemon holds the lock for its whole life.
	running := errors.Is(store.Lock(), infra.ErrAlreadyRunning)
	_ = store.Unlock()

	switch {
	case running:
		fmt.Println("Status: RUNNING")
	case rec.State == domain.StateRunning:
		fmt.Println("Status: NOT RUNNING (previous run did not shut down cleanly)")
	default:
		fmt.Println("Status: STOPPED")
	}

	fmt.Printf("Session: %s\n", rec.SessionID)
	fmt.Printf("Uptime at last write: %s\n", time.Duration(rec.UptimeSec)*time.Second)
	fmt.Printf("Stage: %s (last result %s)\n", rec.Stage, rec.LastResult)
	fmt.Printf("Heartbeats: %d\n", rec.Heartbeats)

	fmt.Println("\nSubsystems:")
	for _, sub := range rec.Subsystems {
		state := "not ready"
		if sub.Ready {
			state = "ready"
		}
		fmt.Printf("  - %s: %s\n", sub.Name, state)
	}

	sup := rec.Supervisor
	fmt.Println("\nDetection worker:")
	fmt.Printf("  started=%t running=%t alive=%t session=%t kill_switch=%t\n",
		sup.Started, sup.Running, sup.Alive, sup.SessionOpen, sup.KillSwitch)
	fmt.Printf("  attempts=%d ok=%d fail=%d streak=%d cooldown_until=%ds last_result=%s\n",
		sup.Attempts, sup.Successes, sup.Failures, sup.FailStreak, sup.CooldownUntilSec, sup.LastResult)

	fmt.Println("=========================")
	return nil
}

func runTitles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if rotateKey {
		return runRotateKey(cfg)
	}

	history, err := openHistory(cfg, false)
	if errors.Is(err, infra.ErrNoHistory) {
		fmt.Println("No titles recorded yet.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open title history: %w", err)
	}
	defer history.Close()

	records, err := history.List()
	if err != nil {
		return fmt.Errorf("failed to list titles: %w", err)
	}

	fmt.Println("\n=== Titles Seen ===")
	if len(records) == 0 {
		fmt.Println("No titles recorded yet.")
	}
	for _, rec := range records {
		fmt.Printf("%s  seen %d times  first %s  last %s\n",
			domain.FormatProgramID(rec.ProgramID),
			rec.TimesSeen,
			rec.FirstSeen.Format(time.DateTime),
			rec.LastSeen.Format(time.DateTime))
	}
	fmt.Println("===================")
	return nil
}

// runRotateKey re-encrypts the history while holding the daemon lock.
func runRotateKey(cfg *config.Config) error {
	store := infra.NewFileStatusStore(cfg.Resolve(cfg.Paths.StatusFile))
	if err := store.Lock(); err != nil {
		return fmt.Errorf("stop the daemon before rotating the history key: %w", err)
	}
	defer func() { _ = store.Unlock() }()

	history, err := openHistory(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to open title history: %w", err)
	}
	defer history.Close()

	if err := history.RotateKey(); err != nil {
		return err
	}
	fmt.Println("Title history key rotated.")
	return nil
}

func createLogger(path string) *zap.Logger {
	logConfig := zap.NewProductionConfig()
	logConfig.OutputPaths = []string{path}
	logConfig.ErrorOutputPaths = []string{path}
	logConfig.EncoderConfig.TimeKey = "time"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if err := os.MkdirAll(filepath.Dir(path), 0700); err == nil {
		if logger, err := logConfig.Build(); err == nil {
			return logger
		}
	}
	// Fallback to stderr if file logging fails
	logger, _ := zap.NewProduction()
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("dcactivity %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
