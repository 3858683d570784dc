package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/baerautotech/cerebral-access/internal/config"
	"github.com/baerautotech/cerebral-access/internal/engine"
	"github.com/baerautotech/cerebral-access/internal/logging"
	"github.com/baerautotech/cerebral-access/internal/utils"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// exitDenied is the exit status of check when access is denied.
const exitDenied = 3

// exitError carries a process exit status without an error message.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// newEngine is replaced in tests.
var newEngine = func(cfg *config.Config) (*engine.Engine, error) {
	return engine.New(cfg)
}

type app struct {
	logLevel    string
	logFormat   string
	cacheKind   string
	metricsAddr string
	jsonOutput  bool

	cfg *config.Config
	eng *engine.Engine
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "cerebral-access",
		Short:         "Inspect and exercise Cerebral tier, feature flag and entitlement access",
		Version:       utils.NormalizeVersion(Version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", "", "log format (auto, json, console)")
	pf.StringVar(&a.cacheKind, "cache", "", "cache backend (memory, file, sqlite, redis)")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.BoolVar(&a.jsonOutput, "json", false, "print JSON instead of text")

	root.AddCommand(
		a.tierCmd(),
		a.flagsCmd(),
		a.entitlementsCmd(),
		a.purchaseCmd(),
		a.restoreCmd(),
		a.checkoutURLCmd(),
		a.verifyReceiptCmd(),
		a.checkCmd(),
		a.watchCmd(),
		versionCmd(),
	)
	return root
}

// setup loads configuration, applies flag overrides and builds the engine.
func (a *app) setup(cmd *cobra.Command) error {
	// A nil writer lets logging detect a terminal on stderr.
	var logOut io.Writer
	if w := cmd.ErrOrStderr(); w != os.Stderr {
		logOut = w
	}
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "cerebral-access",
		Output:    logOut,
	})

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}
	if a.cacheKind != "" {
		cfg.CacheBackend = a.cacheKind
	}
	if a.metricsAddr != "" {
		cfg.MetricsAddr = a.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "cerebral-access",
		Output:    logOut,
	})

	if cfg.MetricsAddr != "" {
		if _, err := startMetricsServer(cmd.Context(), cfg.MetricsAddr, newMetricsHandler(prometheus.DefaultGatherer)); err != nil {
			return err
		}
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.eng = eng
	return nil
}

// start builds the engine and performs the initial loads.
func (a *app) start(cmd *cobra.Command) error {
	if err := a.setup(cmd); err != nil {
		return err
	}
	return a.eng.Start(cmd.Context())
}

func (a *app) close() {
	if a.eng != nil {
		if err := a.eng.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close engine")
		}
		a.eng = nil
	}
	logging.Shutdown()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cerebral-access %s\n", utils.NormalizeVersion(Version))
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
