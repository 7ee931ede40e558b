package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"scanrelay/internal/config"
	"scanrelay/internal/dispatch"
	"scanrelay/internal/domain"
	"scanrelay/internal/downstream"
	"scanrelay/internal/pipeline"
	"scanrelay/internal/sequencer"
	"scanrelay/internal/store/s3"
)

const (
	exitSucceeded = 0
	exitAborted   = 1
	exitConfig    = 2
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run a staged scan pipeline and deliver the reports it produces",
	Long: `pipeline executes the stages of a scan pipeline in order, applying each
stage's gating policy, then uploads the produced reports to the artifact
store and hands them to the delivery path (relay or direct import).

Exit codes:
  0 = run succeeded (non-blocking stage failures included)
  1 = run aborted by a blocking or time-boxed stage
  2 = configuration error`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the configured stages and deliver reports",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runPipeline())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and stage definitions without running",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitConfig)
		}
		if _, err := pipeline.BuildStages(cfg.Pipeline.Stages, pipeline.NewReportSet(), newLogger()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitConfig)
		}
		fmt.Printf("configuration valid: %d stage(s), mode %s\n", len(cfg.Pipeline.Stages), cfg.Pipeline.Mode)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.AddCommand(runCmd, validateCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runPipeline() int {
	_ = godotenv.Load()

	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	reports := pipeline.NewReportSet()
	stages, err := pipeline.BuildStages(cfg.Pipeline.Stages, reports, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := sequencer.New(logger).Run(ctx, stages)
	if err != nil {
		if errors.Is(err, domain.ErrConfig) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitConfig
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitAborted
	}

	deliveries := deliverReports(ctx, cfg, reports, logger)
	pipeline.PrintSummary(os.Stdout, outcome, deliveries)

	if outcome.Status == sequencer.RunAborted {
		return exitAborted
	}
	return exitSucceeded
}

// deliverReports runs the post-run delivery phase. Delivery failures are
// reported in the summary, never in the exit code.
func deliverReports(ctx context.Context, cfg *config.Config, reports *pipeline.ReportSet, logger *slog.Logger) []pipeline.DeliveryResult {
	produced := reports.Produced()
	if len(produced) == 0 {
		return nil
	}

	st, err := s3.New(ctx, s3.Config{
		Endpoint:  cfg.Store.Endpoint,
		AccessKey: cfg.Store.AccessKey,
		SecretKey: cfg.Store.SecretKey,
		Bucket:    cfg.Store.Bucket,
		UseTLS:    cfg.Store.UseTLS,
	})
	if err != nil {
		logger.Error("artifact store unavailable, reports not delivered",
			slog.String("error", err.Error()))
		undelivered := make([]pipeline.DeliveryResult, len(produced))
		for i, r := range produced {
			undelivered[i] = pipeline.DeliveryResult{Kind: r.Kind, Err: err}
		}
		return undelivered
	}

	var importer dispatch.Importer
	if cfg.Pipeline.Mode == string(dispatch.ModeDirect) {
		importer = downstream.New(cfg.Downstream.BaseURL, cfg.Downstream.APIKey, cfg.Downstream.TimeoutDuration())
	}
	disp, err := dispatch.New(dispatch.Mode(cfg.Pipeline.Mode), cfg.Pipeline.RelayURL, importer, logger)
	if err != nil {
		logger.Error("dispatcher misconfigured, reports not delivered",
			slog.String("error", err.Error()))
		undelivered := make([]pipeline.DeliveryResult, len(produced))
		for i, r := range produced {
			undelivered[i] = pipeline.DeliveryResult{Kind: r.Kind, Err: err}
		}
		return undelivered
	}

	deliverer := pipeline.NewDeliverer(st, disp, cfg.Pipeline.Engagement, cfg.Pipeline.BuildID, cfg.Store.TTLDuration(), logger)
	return deliverer.Deliver(ctx, produced)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}
