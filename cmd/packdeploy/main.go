package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/schaermu/packdeploy/internal/apperr"
	"github.com/schaermu/packdeploy/internal/config"
	"github.com/schaermu/packdeploy/internal/diff"
	"github.com/schaermu/packdeploy/internal/pathmatch"
	"github.com/schaermu/packdeploy/internal/pipeline"
	"github.com/schaermu/packdeploy/internal/rules"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	dryRun       bool
	outputFormat string
	skipPatterns []string
)

var errReleaseLocked = errors.New("release is locked by another packdeploy process")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps the kind of a pipeline failure to the process exit status
func exitCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindSource:
		return 2
	case apperr.KindConnection:
		return 3
	case apperr.KindTransfer:
		return 4
	case apperr.KindPatch:
		return 5
	case apperr.KindIO:
		return 6
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "packdeploy",
	Short: "Deploy modpack releases to game servers",
	Long: `packdeploy stages a modpack release, applies per-server transformation rules,
diffs the result against a snapshot of the live server and pushes the changes
over SFTP.

Only the configured top-level directories of the server are ever read or
written. World data and server-owned files outside them are left alone.`,
	SilenceUsage: true,
}

var prepareCmd = &cobra.Command{
	Use:   "prepare [source]",
	Short: "Stage a release and compute its changes without deploying",
	Long: `Prepare stages the release source (directory, zip, tar, tar.gz or tar.zst),
downloads a snapshot of the target, applies the configured rules and prints
the changes a deploy would make. The report is saved in the work directory.

When no source is given, release.source from the configuration is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPrepare,
}

var deployCmd = &cobra.Command{
	Use:   "deploy [source]",
	Short: "Prepare a release and push it to the target",
	Long: `Deploy runs prepare and then uploads added and modified files to the target.
When sync.prune is enabled, remote files without a counterpart in the prepared
release are deleted. Paths matched by file_skip rules are never touched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDeploy,
}

var diffCmd = &cobra.Command{
	Use:   "diff <old> <new>",
	Short: "Compare two local directory trees",
	Args:  cobra.ExactArgs(2),
	RunE:  runDiff,
}

var reportCmd = &cobra.Command{
	Use:   "report [release-id]",
	Short: "Print the saved report of a prepared or deployed release",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReport,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("packdeploy %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/packdeploy/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	prepareCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, json)")
	deployCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	deployCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, json)")
	diffCmd.Flags().StringArrayVar(&skipPatterns, "skip", nil, "glob pattern to exclude (repeatable)")
	diffCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, json)")
	reportCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format (text, json)")

	rootCmd.AddCommand(prepareCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(versionCmd)
}

func runPrepare(cmd *cobra.Command, args []string) error {
	return runPipeline(cmd, args, func(ctx context.Context, e *pipeline.Engine, rel *pipeline.Release, ruleSet []rules.Rule) (*pipeline.Report, error) {
		return e.Prepare(ctx, rel, ruleSet)
	}, false)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	return runPipeline(cmd, args, func(ctx context.Context, e *pipeline.Engine, rel *pipeline.Release, ruleSet []rules.Rule) (*pipeline.Report, error) {
		return e.Run(ctx, rel, ruleSet)
	}, dryRun)
}

type pipelineFunc func(ctx context.Context, e *pipeline.Engine, rel *pipeline.Release, ruleSet []rules.Rule) (*pipeline.Report, error)

func runPipeline(cmd *cobra.Command, args []string, run pipelineFunc, dry bool) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ruleSet, err := loadRules(cfg, logger)
	if err != nil {
		return err
	}

	var source string
	if len(args) > 0 {
		source = args[0]
	}
	rel, err := pipeline.NewRelease(cfg, source)
	if err != nil {
		return err
	}

	unlock, err := lockRelease(cfg, rel.ID)
	if err != nil {
		return err
	}
	defer unlock()

	engine := pipeline.NewEngine(cfg, pipeline.DialerFor(cfg), logger, dry)
	report, err := run(ctx, engine, rel, ruleSet)
	if err != nil {
		logger.Error("pipeline failed", "release", rel.ID, "kind", apperr.KindOf(err), "error", err)
		return err
	}

	return writeReport(cmd.OutOrStdout(), report)
}

func runDiff(cmd *cobra.Command, args []string) error {
	report, err := diff.Compute(args[0], args[1], pathmatch.New(skipPatterns...))
	if err != nil {
		return err
	}
	if outputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), report)
	}

	w := cmd.OutOrStdout()
	if !report.HasChanges() {
		fmt.Fprintln(w, "no changes")
		return nil
	}
	for _, t := range []diff.ChangeType{diff.Added, diff.Modified, diff.Removed} {
		printChanges(w, report.ByType(t), true)
	}
	printSummary(w, report.Summary)
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	id := cfg.Release.ID
	if len(args) > 0 {
		id = args[0]
	}
	if id == "" && cfg.Release.Source != "" {
		id = config.ReleaseIDFromSource(cfg.Release.Source)
	}
	if !config.ValidReleaseID(id) {
		return fmt.Errorf("invalid release id %q", id)
	}

	report, err := pipeline.LoadReport(cfg.ReportPath(id))
	if err != nil {
		return fmt.Errorf("no report for release %s: %w", id, err)
	}
	return writeReport(cmd.OutOrStdout(), report)
}

func loadRules(cfg *config.Config, logger *slog.Logger) ([]rules.Rule, error) {
	if cfg.RulesFile == "" {
		logger.Debug("no rules file configured")
		return nil, nil
	}
	ruleSet, err := rules.LoadFile(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	logger.Debug("rules loaded", "path", cfg.RulesFile, "count", len(ruleSet))
	return ruleSet, nil
}

// lockRelease holds an exclusive lock for the release until the returned
// func is called.
func lockRelease(cfg *config.Config, releaseID string) (func(), error) {
	lockPath := cfg.LockPath(releaseID)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock release: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", errReleaseLocked, releaseID)
	}
	return func() {
		_ = fl.Unlock()
	}, nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr so reports on stdout stay machine readable
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"target", cfg.Target.Name,
		"protocol", cfg.Target.Protocol,
		"remote_root", cfg.Target.RemoteRoot,
		"auth", cfg.AuthMethod(),
		"work_dir", cfg.Paths.WorkDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
