// Package main is the CLI entry point for hourkeeper.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hourkeeper/hourkeeper/internal/activity"
	"github.com/hourkeeper/hourkeeper/internal/api"
	"github.com/hourkeeper/hourkeeper/internal/config"
	"github.com/hourkeeper/hourkeeper/internal/daemon"
	"github.com/hourkeeper/hourkeeper/internal/domain"
	"github.com/hourkeeper/hourkeeper/internal/eventbus"
	"github.com/hourkeeper/hourkeeper/internal/infra"
	"github.com/hourkeeper/hourkeeper/internal/policy"
	"github.com/hourkeeper/hourkeeper/internal/rulecontext"
	"github.com/hourkeeper/hourkeeper/internal/store"
	syncproto "github.com/hourkeeper/hourkeeper/internal/sync"
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
	Use:   "hourkeeper",
	Short: "Screen time monitor and limit enforcer",
	Long: `hourkeeper monitors user activity across one or more hosts and enforces
configurable time limits. The master node reconstructs activity history,
evaluates rule sets and terminates sessions that exceed their budget.
Slave nodes report local activity to the master and carry out its
termination requests.`,
	Version: Version,
}

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the master daemon",
	Long: `Runs the master daemon. It scans local activity, receives events from
slave hosts, evaluates the configured rule sets every check interval and
serves the HTTP API for status queries and time extension requests.`,
	RunE: runMaster,
}

var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "Run the slave daemon",
	Long: `Runs the slave daemon. It scans local activity, forwards events to the
master and executes the events the master sends back, such as process
termination and notification requests.`,
	RunE: runSlave,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a user's status from a running master",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	configPath     string
	statusURL      string
	statusUsername string
	jsonOutput     bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/hourkeeper/hourkeeper.toml", "Path to the configuration file")
	statusCmd.Flags().StringVar(&statusURL, "url", "http://localhost:5555", "Base URL of the master API")
	statusCmd.Flags().StringVar(&statusUsername, "username", "", "Username to query")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(slaveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runMaster(cmd *cobra.Command, args []string) error {
	contexts := rulecontext.NewRegistry(
		rulecontext.AlwaysActive{},
		rulecontext.WeekdayPlan{},
	)

	cfg, err := config.Load(configPath, contexts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := createLogger(cfg.Node.LogFile)
	defer func() { _ = logger.Sync() }()

	if cfg.Master.CalendarURL != "" {
		contexts.Register(rulecontext.NewHolidayCalendar(cfg.Master.CalendarURL, nil, logger))
	}

	key := sha256.Sum256([]byte(cfg.Master.Secret))
	db, err := store.Open(cfg.Node.DataDir, key[:])
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	bus := eventbus.New(cfg.Node.Hostname, true, db, logger)
	defer bus.Close()

	procScanner := infra.NewProcessScanner(cfg.Node.Hostname, cfg.UserPatterns(), logger)
	scanners := []domain.Scanner{procScanner}
	if sessions, err := infra.NewSessionScanner(cfg.Node.Hostname, cfg.Usernames(), logger); err != nil {
		logger.Warn("session scanner unavailable", zap.Error(err))
	} else {
		scanners = append(scanners, sessions)
	}

	records := activity.NewRecordSet(logger)
	reconstructor := activity.NewReconstructor(cfg.Monitoring.LookbackDays, cfg.MinActivityDuration(), logger)
	evaluator := policy.NewEvaluator(contexts, cfg.Monitoring.WarningMinutes, logger)
	notifier := infra.NewLogNotifier(logger)

	master := daemon.NewMaster(cfg, bus, db, records, reconstructor, evaluator,
		scanners, procScanner, notifier, logger)
	protocol := syncproto.NewMaster(cfg.Master.Secret, bus, master, logger)
	server := api.NewServer(master, protocol, logger)

	ctx, cancel := signalContext(logger)
	defer cancel()

	httpServer := &http.Server{
		Addr:              cfg.Master.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.Master.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	return master.Run(ctx)
}

func runSlave(cmd *cobra.Command, args []string) error {
	contexts := rulecontext.NewRegistry(
		rulecontext.AlwaysActive{},
		rulecontext.WeekdayPlan{},
	)

	cfg, err := config.Load(configPath, contexts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Slave.MasterURL == "" {
		return fmt.Errorf("slave.master_url is required for the slave role")
	}

	logger := createLogger(cfg.Node.LogFile)
	defer func() { _ = logger.Sync() }()

	bus := eventbus.New(cfg.Node.Hostname, false, nil, logger)
	defer bus.Close()

	procScanner := infra.NewProcessScanner(cfg.Node.Hostname, cfg.UserPatterns(), logger)
	scanners := []domain.Scanner{procScanner}
	if sessions, err := infra.NewSessionScanner(cfg.Node.Hostname, cfg.Usernames(), logger); err != nil {
		logger.Warn("session scanner unavailable", zap.Error(err))
	} else {
		scanners = append(scanners, sessions)
	}

	client := syncproto.NewClient(cfg.Slave.MasterURL, cfg.Slave.Secret, cfg.Node.Hostname,
		cfg.CheckInterval(), logger)
	notifier := infra.NewLogNotifier(logger)

	slave := daemon.NewSlave(cfg, bus, client, scanners, procScanner, notifier, Version, logger)

	ctx, cancel := signalContext(logger)
	defer cancel()

	return slave.Run(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusUsername == "" {
		return fmt.Errorf("--username is required")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(fmt.Sprintf("%s/api/status?username=%s", statusURL, statusUsername))
	if err != nil {
		return fmt.Errorf("query master: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("master returned %s", resp.Status)
	}

	var status domain.UserStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Printf("User: %s\n", status.Username)
	fmt.Printf("Monitoring active: %v\n", status.MonitoringActive)
	fmt.Printf("Logged in: %v\n", status.LoggedIn)
	fmt.Printf("Activity allowed: %v\n", status.ActivityAllowed)
	fmt.Printf("Minutes left in session: %d\n", status.MinutesLeftInSession)
	fmt.Printf("Optional time available: %dm\n", status.OptionalTimeAvailable)
	return nil
}

func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()
	return ctx, cancel
}

func createLogger(logFile string) *zap.Logger {
	config := zap.NewProductionConfig()
	if logFile != "" {
		config.OutputPaths = []string{logFile}
		config.ErrorOutputPaths = []string{logFile}
	}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("hourkeeper %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
