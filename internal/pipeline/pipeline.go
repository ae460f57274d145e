package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/packdeploy/internal/apperr"
	"github.com/schaermu/packdeploy/internal/config"
	"github.com/schaermu/packdeploy/internal/diff"
	"github.com/schaermu/packdeploy/internal/fsutil"
	"github.com/schaermu/packdeploy/internal/pathmatch"
	"github.com/schaermu/packdeploy/internal/remote"
	"github.com/schaermu/packdeploy/internal/rules"
	"github.com/schaermu/packdeploy/internal/stage"
)

// Engine orchestrates staging, rule application, diffing and remote sync
// for one target.
type Engine struct {
	cfg    *config.Config
	dial   Dialer
	logger *slog.Logger
	dryRun bool
	now    func() time.Time
}

// NewEngine creates a new pipeline engine
func NewEngine(cfg *config.Config, dial Dialer, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
		dryRun: dryRun,
		now:    time.Now,
	}
}

// NewRelease creates a draft release from the configured source, or from
// source when it is not empty.
func NewRelease(cfg *config.Config, source string) (*Release, error) {
	id := cfg.Release.ID
	if source == "" {
		source = cfg.Release.Source
	} else if source != cfg.Release.Source || id == "" {
		id = config.ReleaseIDFromSource(source)
	}
	if source == "" {
		return nil, fmt.Errorf("no release source given")
	}
	if !config.ValidReleaseID(id) {
		return nil, fmt.Errorf("invalid release id %q", id)
	}
	return &Release{ID: id, SourceLocator: source, Status: StatusDraft}, nil
}

// includeTopDirs returns the configured allow-list or the default one
func (e *Engine) includeTopDirs() []string {
	if len(e.cfg.Target.IncludeTopDirs) > 0 {
		return e.cfg.Target.IncludeTopDirs
	}
	return remote.DefaultIncludeTopDirs
}

func (e *Engine) record(report *Report, s Stage, p string) {
	report.Events = append(report.Events, Event{Stage: s, Path: p, At: e.now().UTC()})
}

// Run prepares the release and, unless in dry-run mode, deploys it
func (e *Engine) Run(ctx context.Context, rel *Release, ruleSet []rules.Rule) (*Report, error) {
	e.logger.Info("starting pipeline",
		"release", rel.ID,
		"source", rel.SourceLocator,
		"target", e.cfg.Target.Name,
		"dry_run", e.dryRun)

	report, err := e.Prepare(ctx, rel, ruleSet)
	if err != nil {
		return nil, err
	}

	if e.dryRun {
		e.logChangeDetails(report)
		e.logger.Info("dry-run complete, nothing deployed")
		return report, nil
	}

	if err := e.Deploy(ctx, rel, report); err != nil {
		return report, err
	}

	e.logger.Info("pipeline completed successfully", "release", rel.ID)
	return report, nil
}

// Prepare stages the source, snapshots the remote, applies rules and diffs
// the snapshot against the prepared tree. Earlier working directories of the
// same release are discarded first, so a source overlapping the release
// directory is refused.
func (e *Engine) Prepare(ctx context.Context, rel *Release, ruleSet []rules.Rule) (*Report, error) {
	releaseDir := e.cfg.ReleaseDir(rel.ID)
	if err := checkOverlap(rel.SourceLocator, releaseDir); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(releaseDir); err != nil {
		return nil, fmt.Errorf("failed to reset release directory: %w", err)
	}
	if err := os.MkdirAll(releaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create release directory: %w", err)
	}

	report := &Report{
		Release: rel.ID,
		Target:  e.cfg.Target.Name,
		Status:  rel.Status,
	}

	// Stage source
	importer := stage.NewImporter(releaseDir, e.cfg.Stage.Exclude, e.logger)
	staged, err := importer.Stage(rel.SourceLocator)
	if err != nil {
		return nil, fmt.Errorf("failed to stage release: %w", err)
	}
	rel.ExtractedPath = staged
	e.record(report, StageStaged, staged)

	selected := rules.Select(ruleSet, e.cfg.Target.Name)
	skip := pathmatch.New(rules.SkipPatterns(selected)...)
	include := e.includeTopDirs()

	// Snapshot remote
	client, err := e.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to target: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	snapshot := filepath.Join(releaseDir, "snapshot-"+uuid.NewString())
	syncer := remote.NewSyncer(client, e.logger, e.cfg.Sync.Workers)
	download, err := syncer.Download(ctx, e.cfg.Target.RemoteRoot, snapshot, include, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to download remote snapshot: %w", err)
	}
	rel.RemoteSnapshotPath = snapshot
	report.Download = download
	e.record(report, StageSnapshot, snapshot)

	// Apply rules
	result, err := rules.NewEngine(releaseDir, e.logger).Apply(staged, selected, rules.Options{
		Target:    e.cfg.Target.Name,
		AssetsDir: e.cfg.Paths.AssetsDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply rules: %w", err)
	}
	rel.PreparedPath = result.PreparedPath
	report.SkipPatterns = result.SkipPatterns
	report.Applied = result.Applied
	e.record(report, StagePrepared, result.PreparedPath)

	// Diff
	changes, err := diff.Compute(snapshot, result.PreparedPath, result.Skip(),
		diff.WithScope(include),
		diff.WithWorkers(e.cfg.Sync.Workers))
	if err != nil {
		return nil, fmt.Errorf("failed to compute changes: %w", err)
	}
	report.Changes = changes.Changes
	report.Summary = changes.Summary
	e.record(report, StageDiffed, "")

	e.logger.Info("release prepared",
		"release", rel.ID,
		"added", changes.Summary.Added,
		"modified", changes.Summary.Modified,
		"removed", changes.Summary.Removed)

	rel.Status = StatusPrepared
	report.Status = rel.Status
	if err := SaveReport(e.cfg.ReportPath(rel.ID), report); err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}
	return report, nil
}

// Deploy uploads a prepared release and prunes remote orphans when enabled
func (e *Engine) Deploy(ctx context.Context, rel *Release, report *Report) error {
	if rel.Status != StatusPrepared {
		return fmt.Errorf("release %s is %s, not prepared", rel.ID, rel.Status)
	}
	if !fsutil.IsDir(rel.PreparedPath) {
		return fmt.Errorf("prepared tree missing for release %s: %s", rel.ID, rel.PreparedPath)
	}

	client, err := e.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to target: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	skip := pathmatch.New(report.SkipPatterns...)
	include := e.includeTopDirs()
	syncer := remote.NewSyncer(client, e.logger, e.cfg.Sync.Workers)

	upload, err := syncer.Upload(ctx, rel.PreparedPath, e.cfg.Target.RemoteRoot, include, skip)
	if err != nil {
		return fmt.Errorf("failed to upload release: %w", err)
	}
	report.Upload = upload
	e.record(report, StageUploaded, e.cfg.Target.RemoteRoot)

	if e.cfg.Sync.Prune {
		pruned, err := syncer.PruneOrphans(ctx, rel.PreparedPath, e.cfg.Target.RemoteRoot, include, skip)
		if err != nil {
			return fmt.Errorf("failed to prune remote orphans: %w", err)
		}
		report.Prune = pruned
		e.record(report, StagePruned, e.cfg.Target.RemoteRoot)
	}

	rel.Status = StatusDeployed
	report.Status = rel.Status
	if err := SaveReport(e.cfg.ReportPath(rel.ID), report); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// checkOverlap rejects a source that lies inside the release directory or
// contains it.
func checkOverlap(source, releaseDir string) error {
	for _, pair := range [][2]string{{releaseDir, source}, {source, releaseDir}} {
		nested, err := fsutil.Contains(pair[0], pair[1])
		if err != nil {
			return apperr.Source("check source", source, err)
		}
		if nested {
			return apperr.Sourcef("check source", source, "source overlaps release directory %s", releaseDir)
		}
	}
	return nil
}

// logChangeDetails logs each change for dry-run
func (e *Engine) logChangeDetails(report *Report) {
	for _, c := range report.Changes {
		switch c.Type {
		case diff.Added:
			e.logger.Info("[dry-run] would add", "path", c.Path)
		case diff.Modified:
			e.logger.Info("[dry-run] would update", "path", c.Path, "binary", c.Binary)
		case diff.Removed:
			if e.cfg.Sync.Prune {
				e.logger.Info("[dry-run] would delete", "path", c.Path)
			}
		}
	}
}
