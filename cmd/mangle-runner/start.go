package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jihwankim/packet-mangler/pkg/config"
	"github.com/jihwankim/packet-mangler/pkg/engine"
	"github.com/jihwankim/packet-mangler/pkg/monitoring"
	"github.com/jihwankim/packet-mangler/pkg/netfilter"
	"github.com/jihwankim/packet-mangler/pkg/nfqueue"
	"github.com/jihwankim/packet-mangler/pkg/plan"
	"github.com/jihwankim/packet-mangler/pkg/reporting"
)

var startCmd = &cobra.Command{
	Use:   "start <file>",
	Args:  cobra.ExactArgs(1),
	Short: "Run the full test suite",
	Long: `Expands the configuration into its test plan and runs every test:
install diversion rules, open the queues, spawn the command, mangle
the diverted packets, and record the exit status. Exits 0 only when
every test passed.`,
	RunE: runSuite,
}

func init() {
	startCmd.Flags().Uint64("seed", 0, "suite RNG seed (0 = derive from time)")
	startCmd.Flags().Int("from", 0, "first test index to run")
	startCmd.Flags().Int("to", -1, "last test index to run (-1 = end of plan)")
	startCmd.Flags().Bool("dry-run", false, "print the expanded plan without executing")
	startCmd.Flags().String("output-dir", "./mangle-reports", "directory for suite reports")
	startCmd.Flags().Int("keep-last", 20, "suite reports to keep (0 = all)")
	startCmd.Flags().String("breadcrumb", "/run/mangle-runner.rules", "breadcrumb file for crash recovery")
	startCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (empty = off)")
	startCmd.Flags().String("format", "text", "log format (text, json)")
}

func runSuite(cmd *cobra.Command, args []string) error {
	configPath := args[0]
	seed, _ := cmd.Flags().GetUint64("seed")
	from, _ := cmd.Flags().GetInt("from")
	to, _ := cmd.Flags().GetInt("to")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	outputDir, _ := cmd.Flags().GetString("output-dir")
	keepLast, _ := cmd.Flags().GetInt("keep-last")
	crumbPath, _ := cmd.Flags().GetString("breadcrumb")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	logFormat, _ := cmd.Flags().GetString("format")

	logLevel := reporting.LogLevelInfo
	if verbose {
		logLevel = reporting.LogLevelDebug
	}
	logger := reporting.NewLogger(reporting.LoggerConfig{
		Level:  logLevel,
		Format: reporting.LogFormat(logFormat),
		Output: os.Stderr,
	})

	logger.Info("Mangle Runner starting", "version", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	logger.Info("suite seed", "seed", seed)

	if dryRun {
		return dryRunPlan(cfg, from, to)
	}

	suite, err := buildSuite(cfg, configPath, int64(seed), from, to, crumbPath, logger)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		srv := monitoring.Serve(metricsAddr, logger)
		defer srv.Close()
	}

	// A signal aborts the active test: the child is killed, queues are
	// drained, rules come out, and the suite stops.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, runErr := suite.Run(ctx)
	if report != nil {
		if storage, err := reporting.NewStorage(outputDir, keepLast, logger); err != nil {
			logger.Warn("cannot persist report", "error", err)
		} else if _, err := storage.SaveReport(report); err != nil {
			logger.Warn("failed to save report", "error", err)
		}
		reporting.NewFormatter(os.Stdout).WriteSummary(report)
	}
	if runErr != nil {
		return runErr
	}

	if report.Summary.Total == 0 {
		return fmt.Errorf("no tests ran")
	}
	if report.Summary.Passed != report.Summary.Total {
		return fmt.Errorf("%d of %d test(s) did not pass",
			report.Summary.Total-report.Summary.Passed, report.Summary.Total)
	}
	logger.Info("suite completed, all tests passed", "tests", report.Summary.Total)
	return nil
}

func buildSuite(cfg *config.Config, configPath string, seed int64, from, to int, crumbPath string, logger *reporting.Logger) (*engine.Suite, error) {
	suiteID := uuid.NewString()[:8]
	controller, err := netfilter.New(logger, crumbPath, suiteID)
	if err != nil {
		return nil, err
	}
	injector, err := nfqueue.NewRawInjector()
	if err != nil {
		return nil, err
	}
	return engine.NewSuite(cfg, engine.SuiteOptions{
		ConfigPath: configPath,
		SuiteID:    suiteID,
		Seed:       seed,
		From:       from,
		To:         to,
		Log:        logger,
		Driver:     nfqueue.NewKernelDriver(logger),
		Injector:   injector,
		Controller: controller,
	})
}

func dryRunPlan(cfg *config.Config, from, to int) error {
	if err := plan.Check(cfg); err != nil {
		return err
	}
	tests, err := plan.Expand(cfg)
	if err != nil {
		return err
	}
	if to < 0 || to >= len(tests) {
		to = len(tests) - 1
	}
	fmt.Printf("plan: %d test(s), running [%d,%d]\n", len(tests), from, to)
	for _, t := range tests {
		if t.Index < from || t.Index > to {
			continue
		}
		fmt.Printf("test %d: %s\n", t.Index, t.Command(0))
		fmt.Printf("  %s\n", t.Input.Describe())
		fmt.Printf("  %s\n", t.Output.Describe())
		if tuple := t.ParamTuple(); len(tuple) > 0 {
			fmt.Printf("  params: %s\n", strings.Join(tuple, " | "))
		}
	}
	return nil
}
