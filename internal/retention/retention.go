// Package retention captures point-in-time backups of the worker's
// configuration, generated images, logs and service state into bounded
// buckets, and publishes them to the repository.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/workersyncd/internal/config"
	"github.com/schaermu/workersyncd/internal/fault"
	"github.com/schaermu/workersyncd/internal/git"
	"github.com/schaermu/workersyncd/internal/metrics"
	"github.com/schaermu/workersyncd/internal/pathset"
	"github.com/schaermu/workersyncd/internal/report"
	"github.com/schaermu/workersyncd/internal/supervisor"
)

// idFormat renders backup ids; ids sort chronologically
const idFormat = "20060102_150405"

// Prober reads the state of the supervised service
type Prober interface {
	IsRunning(ctx context.Context) bool
	Health(ctx context.Context) supervisor.Snapshot
	Stats(ctx context.Context) supervisor.Snapshot
}

// Recorder persists backup summaries
type Recorder interface {
	WriteBackup(b *report.BackupSummary) error
}

// Store captures, prunes and publishes backups
type Store struct {
	cfg      *config.Config
	git      git.Client
	prober   Prober
	recorder Recorder
	worktree sync.Locker
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates a retention store. worktree is shared with the reconciler
// and held only while publishing.
func NewStore(cfg *config.Config, gitClient git.Client, prober Prober, recorder Recorder, worktree sync.Locker, logger *slog.Logger) *Store {
	if worktree == nil {
		worktree = &sync.Mutex{}
	}
	return &Store{
		cfg:      cfg,
		git:      gitClient,
		prober:   prober,
		recorder: recorder,
		worktree: worktree,
		logger:   logger,
		now:      time.Now,
	}
}

// bucketDir returns the directory of a bucket
func (s *Store) bucketDir(bucket string) string {
	return filepath.Join(s.cfg.Paths.BackupDir, bucket)
}

// Capture runs one backup cycle. Every step is best-effort and recorded on the
// returned summary; a bucket that cannot be created is skipped while the others
// are still captured and pruned. The error is non-nil only when the backup
// directory itself cannot be created or the summary cannot be recorded.
func (s *Store) Capture(ctx context.Context) (*report.BackupSummary, error) {
	start := s.now()
	id := start.UTC().Format(idFormat)
	summary := &report.BackupSummary{
		BackupID:  id,
		Timestamp: start.UTC(),
		Buckets:   make(map[string]int),
		Captured:  make(map[string]int),
		Pruned:    make(map[string]int),
		Outcome:   report.Completed,
	}
	logger := s.logger.With("backup_id", id)
	logger.Info("starting backup", "backup_dir", s.cfg.Paths.BackupDir)

	unavailable, err := s.ensureBuckets(summary, logger)
	if err != nil {
		logger.Error("cannot create backup directory", "error", err)
		summary.Outcome = report.Failed
		summary.Errors = append(summary.Errors, report.NewStageError("prepare", err))
		s.finish(summary, start)
		if recErr := s.recorder.WriteBackup(summary); recErr != nil {
			logger.Error("failed to record backup summary", "error", recErr)
		}
		return summary, err
	}

	if !unavailable[config.BucketConfigs] {
		s.captureConfigs(summary, id, logger)
	}
	if !unavailable[config.BucketImages] {
		s.captureImages(summary, logger)
	}
	if !unavailable[config.BucketLogs] {
		s.captureLogs(summary, id, logger)
	}
	s.captureData(ctx, summary, id, !unavailable[config.BucketData], logger)

	// All writes above are complete; pruning may only start now.
	dataVictims := s.prune(summary, unavailable, logger)
	if !unavailable[config.BucketData] {
		s.writeSummary(summary, id, start, dataVictims, logger)
	} else {
		summary.Git = s.gitState()
		summary.TotalSize = s.totalSize(nil)
	}
	s.writeLatest(summary, logger)

	if s.cfg.PublishBackups() {
		s.publish(ctx, summary, id, logger)
	}

	s.finish(summary, start)
	for _, e := range summary.Errors {
		metrics.StageError("backup", e.Stage, e.Kind.String())
	}
	logger.Info("backup finished",
		"outcome", string(summary.Outcome),
		"total_size", summary.TotalSize,
		"published", summary.Published,
		"duration_ms", summary.DurationMS)

	if err := s.recorder.WriteBackup(summary); err != nil {
		return summary, fmt.Errorf("failed to record backup summary: %w", err)
	}
	return summary, nil
}

func (s *Store) finish(summary *report.BackupSummary, start time.Time) {
	summary.DurationMS = time.Since(start).Milliseconds()
	metrics.ObserveCycle("backup", string(summary.Outcome), time.Since(start))
}

// ensureBuckets creates the backup directory and its buckets. Buckets that
// cannot be created are recorded on the summary and returned.
func (s *Store) ensureBuckets(summary *report.BackupSummary, logger *slog.Logger) (map[string]bool, error) {
	if err := os.MkdirAll(s.cfg.Paths.BackupDir, 0755); err != nil {
		return nil, fault.New(fault.ResourceUnavailable, "create backup directory", err)
	}

	unavailable := make(map[string]bool)
	for _, bucket := range config.Buckets {
		if err := os.MkdirAll(s.bucketDir(bucket), 0755); err != nil {
			logger.Warn("bucket unavailable, skipping", "bucket", bucket, "error", err)
			summary.Fail(bucket, fault.New(fault.ResourceUnavailable, "create bucket "+bucket, err))
			unavailable[bucket] = true
		}
	}
	return unavailable, nil
}

// captureConfigs copies configured files; env files are redacted on the way
func (s *Store) captureConfigs(summary *report.BackupSummary, id string, logger *slog.Logger) {
	for _, path := range s.cfg.Backup.ConfigFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Debug("config file not present, skipping", "path", path)
				continue
			}
			summary.Fail("configs", fault.New(fault.ResourceUnavailable, "read "+path, err))
			continue
		}

		if isEnvFile(path) {
			data = redactEnv(data)
		}
		dst := filepath.Join(s.bucketDir(config.BucketConfigs), snapshotName(path, id, ""))
		if err := report.WriteFileAtomic(dst, data, 0600); err != nil {
			summary.Fail("configs", fault.New(fault.ResourceUnavailable, "write "+dst, err))
			continue
		}
		summary.Captured[config.BucketConfigs]++
	}
}

// captureImages copies the newest generated images, keeping name and mtime
func (s *Store) captureImages(summary *report.BackupSummary, logger *slog.Logger) {
	if s.cfg.Backup.ImageCount == 0 {
		return
	}
	images, err := pathset.Newest(s.cfg.Paths.OutputDir, s.cfg.Backup.ImageCount)
	if err != nil {
		summary.Fail("images", fault.New(fault.ResourceUnavailable, "list outputs", err))
		return
	}

	for _, img := range images {
		dst := filepath.Join(s.bucketDir(config.BucketImages), filepath.Base(img.Path))
		if _, err := copyFile(img.Path, dst); err != nil {
			summary.Fail("images", fault.New(fault.ResourceUnavailable, "copy "+img.Path, err))
			continue
		}
		summary.Captured[config.BucketImages]++
	}
	logger.Debug("captured images", "count", summary.Captured[config.BucketImages])
}

// captureLogs keeps the tail of each configured log file
func (s *Store) captureLogs(summary *report.BackupSummary, id string, logger *slog.Logger) {
	for _, path := range s.cfg.Backup.LogFiles {
		data, err := tailLines(path, s.cfg.Backup.TailLines)
		if err != nil {
			if os.IsNotExist(err) {
				logger.Debug("log file not present, skipping", "path", path)
				continue
			}
			summary.Fail("logs", fault.New(fault.ResourceUnavailable, "read "+path, err))
			continue
		}

		dst := filepath.Join(s.bucketDir(config.BucketLogs), snapshotName(path, id, ".log"))
		if err := report.WriteFileAtomic(dst, data, 0644); err != nil {
			summary.Fail("logs", fault.New(fault.ResourceUnavailable, "write "+dst, err))
			continue
		}
		summary.Captured[config.BucketLogs]++
	}
}

// captureData probes the service concurrently and writes health, stats and
// system snapshots into the data bucket.
func (s *Store) captureData(ctx context.Context, summary *report.BackupSummary, id string, write bool, logger *slog.Logger) {
	var health, stats supervisor.Snapshot
	var running bool
	var system report.SystemState

	var g errgroup.Group
	g.Go(func() error {
		health = s.prober.Health(ctx)
		return nil
	})
	g.Go(func() error {
		stats = s.prober.Stats(ctx)
		return nil
	})
	g.Go(func() error {
		running = s.prober.IsRunning(ctx)
		return nil
	})
	g.Go(func() error {
		system = systemState(s.cfg.Paths.BackupDir)
		return nil
	})
	_ = g.Wait()

	summary.ServiceRunning = running
	summary.System = system
	if !health.Reachable {
		logger.Warn("service health unavailable", "detail", health.Detail)
	}
	if !write {
		return
	}

	systemDoc, err := json.MarshalIndent(system, "", "  ")
	if err != nil {
		summary.Fail("data", fault.New(fault.Unexpected, "encode system state", err))
	}

	docs := []struct {
		name string
		data []byte
	}{
		{name: "health_" + id + ".json", data: health.Document()},
		{name: "stats_" + id + ".json", data: stats.Document()},
		{name: "system_" + id + ".json", data: systemDoc},
	}
	for _, doc := range docs {
		if doc.data == nil {
			continue
		}
		dst := filepath.Join(s.bucketDir(config.BucketData), doc.name)
		if err := report.WriteFileAtomic(dst, doc.data, 0644); err != nil {
			summary.Fail("data", fault.New(fault.ResourceUnavailable, "write "+dst, err))
			continue
		}
		summary.Captured[config.BucketData]++
	}
}

// prune enforces each bucket's limit. The data bucket keeps one slot free for
// the summary written after pruning; its victims are returned for removal once
// the summary exists.
func (s *Store) prune(summary *report.BackupSummary, unavailable map[string]bool, logger *slog.Logger) []pathset.File {
	limits := s.cfg.Backup.Retention.Limits()
	var dataVictims []pathset.File

	for _, bucket := range config.Buckets {
		if unavailable[bucket] {
			continue
		}
		files, err := pathset.DiscoverFiles(s.bucketDir(bucket))
		if err != nil {
			summary.Fail("prune", fault.New(fault.ResourceUnavailable, "list "+bucket, err))
			continue
		}

		if bucket == config.BucketData {
			dataVictims = victims(files, limits[bucket], 1)
			summary.Pruned[bucket] = len(dataVictims)
			summary.Buckets[bucket] = len(files) + 1 - len(dataVictims)
			continue
		}

		removed, err := removeAll(victims(files, limits[bucket], 0))
		if err != nil {
			summary.Fail("prune", err)
		}
		summary.Pruned[bucket] = removed
		summary.Buckets[bucket] = len(files) - removed
		metrics.Pruned(bucket, removed, summary.Buckets[bucket])
		if removed > 0 {
			logger.Info("pruned bucket", "bucket", bucket, "removed", removed, "limit", limits[bucket])
		}
	}
	return dataVictims
}

// writeSummary writes summary_<id>.json and then removes the data bucket's victims
func (s *Store) writeSummary(summary *report.BackupSummary, id string, start time.Time, dataVictims []pathset.File, logger *slog.Logger) {
	summary.Git = s.gitState()
	summary.TotalSize = s.totalSize(dataVictims)
	summary.DurationMS = time.Since(start).Milliseconds()

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		summary.Fail("summary", fault.New(fault.Unexpected, "encode summary", err))
		return
	}
	dst := filepath.Join(s.bucketDir(config.BucketData), "summary_"+id+".json")
	if err := report.WriteFileAtomic(dst, data, 0644); err != nil {
		summary.Fail("summary", fault.New(fault.ResourceUnavailable, "write "+dst, err))
		summary.Buckets[config.BucketData]--
	}

	removed, err := removeAll(dataVictims)
	if err != nil {
		summary.Fail("prune", err)
	}
	metrics.Pruned(config.BucketData, removed, summary.Buckets[config.BucketData])
	if removed > 0 {
		logger.Info("pruned bucket", "bucket", config.BucketData, "removed", removed)
	}
}

func (s *Store) gitState() report.GitState {
	// Read-only lookups; they do not need the worktree lock.
	ctx := context.Background()
	var state report.GitState
	if branch, err := s.git.CurrentBranch(ctx); err == nil {
		state.Branch = branch
	}
	if head, err := s.git.Head(ctx); err == nil {
		state.Commit = head.ID
	}
	return state
}

// totalSize sums the sizes of all bucket files that survive pruning
func (s *Store) totalSize(pending []pathset.File) int64 {
	skip := make(map[string]bool, len(pending))
	for _, f := range pending {
		skip[f.Path] = true
	}

	var total int64
	for _, bucket := range config.Buckets {
		files, err := pathset.DiscoverFiles(s.bucketDir(bucket))
		if err != nil {
			continue
		}
		for _, f := range files {
			if !skip[f.Path] {
				total += f.Size
			}
		}
	}
	return total
}

// publish commits the backup directory and pushes it, retrying once with upstream
func (s *Store) publish(ctx context.Context, summary *report.BackupSummary, id string, logger *slog.Logger) {
	rel := s.cfg.RepoRelative(s.cfg.Paths.BackupDir)
	if rel == "" {
		logger.Debug("backup directory is outside the repository, not publishing")
		return
	}

	s.worktree.Lock()
	defer s.worktree.Unlock()

	message := fmt.Sprintf("Backup %s: %d file(s) across %d buckets", id, sum(summary.Buckets), len(summary.Buckets))
	commitID, n, err := s.git.CommitAll(ctx, message, rel)
	if err != nil {
		logger.Warn("failed to commit backup", "error", err)
		summary.Fail("publish", err)
		return
	}
	if commitID == "" {
		logger.Debug("backup unchanged, nothing to publish")
		return
	}
	summary.CommitID = commitID
	logger.Info("committed backup", "commit", commitID, "files", n)

	err = s.git.Push(ctx, s.cfg.Repo.Remote, s.cfg.Repo.Branch, false)
	if err != nil {
		logger.Warn("push failed, retrying with upstream", "error", err)
		err = s.git.Push(ctx, s.cfg.Repo.Remote, s.cfg.Repo.Branch, true)
	}
	if err != nil {
		logger.Warn("failed to push backup; it will go out with the next push", "error", err)
		summary.Fail("publish", err)
		return
	}
	summary.Published = true
}

func sum(counts map[string]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
