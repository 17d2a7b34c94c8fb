// Package sync implements the reconciliation cycle that keeps the worker's
// working copy in step with its git remote.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/workersyncd/internal/config"
	"github.com/schaermu/workersyncd/internal/fault"
	"github.com/schaermu/workersyncd/internal/git"
	"github.com/schaermu/workersyncd/internal/metrics"
	"github.com/schaermu/workersyncd/internal/pathset"
	"github.com/schaermu/workersyncd/internal/report"
)

// Restarter restarts the supervised service
type Restarter interface {
	Restart(ctx context.Context) error
}

// Recorder persists sync reports
type Recorder interface {
	WriteSync(r *report.SyncReport) error
}

// Reconciler runs reconciliation cycles against one working copy
type Reconciler struct {
	cfg       *config.Config
	git       git.Client
	restarter Restarter
	recorder  Recorder
	critical  *pathset.Set
	worktree  sync.Locker
	logger    *slog.Logger
	dryRun    bool
	now       func() time.Time
}

// NewReconciler creates a reconciler. worktree guards the working copy against
// concurrent git operations from the backup cycle.
func NewReconciler(cfg *config.Config, gitClient git.Client, restarter Restarter, recorder Recorder, worktree sync.Locker, logger *slog.Logger, dryRun bool) (*Reconciler, error) {
	critical, err := pathset.New(cfg.Sync.CriticalPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to compile critical paths: %w", err)
	}
	if worktree == nil {
		worktree = &sync.Mutex{}
	}
	return &Reconciler{
		cfg:       cfg,
		git:       gitClient,
		restarter: restarter,
		recorder:  recorder,
		critical:  critical,
		worktree:  worktree,
		logger:    logger,
		dryRun:    dryRun,
		now:       time.Now,
	}, nil
}

// Run executes one reconciliation cycle and persists its report.
// Git and supervisor failures end up in the report; the returned error is
// non-nil only when the report itself could not be written.
func (r *Reconciler) Run(ctx context.Context) (*report.SyncReport, error) {
	start := r.now()
	rep := &report.SyncReport{
		CycleID:   uuid.NewString(),
		Timestamp: start.UTC(),
		Outcome:   report.Completed,
		Notes:     []string{},
	}
	c := &cycle{
		report: rep,
		logger: r.logger.With("cycle_id", rep.CycleID),
		stage:  StageIdle,
	}

	c.logger.Info("starting sync",
		"dir", r.cfg.Repo.Dir,
		"remote", r.cfg.Repo.Remote,
		"branch", r.cfg.Repo.Branch,
		"dry_run", r.dryRun)

	r.worktree.Lock()
	if r.dryRun {
		r.plan(ctx, c)
	} else {
		r.execute(ctx, c, start)
	}
	r.worktree.Unlock()

	rep.DurationMS = time.Since(start).Milliseconds()
	c.enter(StageReporting)
	c.logger.Info("sync finished",
		"outcome", string(rep.Outcome),
		"had_remote_changes", rep.HadRemoteChanges,
		"had_local_changes", rep.HadLocalChanges,
		"restarted", rep.Restarted,
		"commit", rep.CommitID,
		"duration_ms", rep.DurationMS)

	if r.dryRun {
		return rep, nil
	}

	metrics.ObserveCycle("sync", string(rep.Outcome), time.Since(start))
	for _, e := range rep.Errors {
		metrics.StageError("sync", e.Stage, e.Kind.String())
	}

	if err := r.recorder.WriteSync(rep); err != nil {
		return rep, fmt.Errorf("failed to write sync report: %w", err)
	}
	return rep, nil
}

// execute walks the state machine. Every path out of it restores a stash
// created by this cycle before returning.
func (r *Reconciler) execute(ctx context.Context, c *cycle, start time.Time) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("sync cycle panicked", "stage", string(c.stage), "panic", p)
			c.report.Abort(string(c.stage), fault.New(fault.Unexpected, string(c.stage), fmt.Errorf("panic: %v", p)))
			r.restore(context.WithoutCancel(ctx), c)
		}
		r.describeHead(context.WithoutCancel(ctx), c)
	}()

	if !r.recoverStash(ctx, c) {
		return
	}

	if !r.stash(ctx, c, start) {
		return
	}

	// From here on HEAD and the working tree change: the cycle runs to the end
	// even if the caller gives up. Network steps stay bounded by repo.timeout.
	ctx = context.WithoutCancel(ctx)

	if r.fetch(ctx, c) {
		behind := r.checkDivergence(ctx, c)
		if behind > 0 && !c.aborted {
			r.pull(ctx, c)
		}
	}

	r.restore(ctx, c)

	switch {
	case c.aborted:
		c.report.Note("skipped commit and push after unexpected failure")
		return
	case c.pullFailed:
		c.report.Note("skipped commit and push after failed pull")
		return
	}

	r.commit(ctx, c, start)
	if c.aborted {
		return
	}
	r.push(ctx, c)
}

// recoverStash creates a missing working copy and pops a stash left behind by an
// interrupted cycle. It reports false when the cycle must not touch the working
// tree any further.
func (r *Reconciler) recoverStash(ctx context.Context, c *cycle) bool {
	c.enter(StageRecovering)

	if r.cfg.Repo.URL != "" {
		created, err := r.git.EnsureCheckout(ctx, r.cfg.Repo.URL, r.cfg.Repo.Remote, r.cfg.Repo.Branch)
		if err != nil {
			c.logger.Error("cannot create working copy", "dir", r.cfg.Repo.Dir, "error", err)
			c.report.Abort(string(c.stage), err)
			return false
		}
		if created {
			c.logger.Info("created working copy", "dir", r.cfg.Repo.Dir, "remote", r.cfg.Repo.Remote)
			c.report.Note("created working copy tracking %s/%s", r.cfg.Repo.Remote, r.cfg.Repo.Branch)
		}
	}

	branch, err := r.git.CurrentBranch(ctx)
	if err != nil {
		c.logger.Error("cannot inspect working copy", "error", err)
		c.report.Abort(string(c.stage), err)
		return false
	}
	c.report.Branch = branch
	if branch != r.cfg.Repo.Branch {
		c.report.Note("checked out branch %s differs from configured branch %s", branch, r.cfg.Repo.Branch)
	}

	leftover, err := r.git.FindStash(ctx, StashPrefix)
	if err != nil {
		c.report.Abort(string(c.stage), err)
		return false
	}
	if leftover == nil {
		return true
	}

	c.logger.Warn("found stash from an interrupted cycle", "stash", leftover.Label)

	// Changes made since the stash was taken exist nowhere else; popping on top
	// of them could force a reset that loses them.
	dirty, err := r.git.HasChanges(ctx, r.pathspec()...)
	if err != nil {
		c.fail(err)
		return false
	}
	if dirty {
		c.logger.Error("stash from an interrupted cycle not restored; working tree has newer uncommitted changes",
			"stash", leftover.Label)
		c.report.HadLocalChanges = true
		c.fail(fault.New(fault.WorkingTreeConflict, "stash pop",
			fmt.Errorf("stash %q kept: working tree has uncommitted changes", leftover.Label)))
		c.report.Note("stash %s from an interrupted cycle was kept unresolved because the working tree has newer changes", leftover.Label)
		return false
	}

	if err := r.git.StashPop(ctx, leftover); err != nil {
		c.logger.Error("stash from an interrupted cycle could not be restored; leaving working tree untouched",
			"stash", leftover.Label, "error", err)
		c.fail(err)
		c.report.Note("stash %s from an interrupted cycle could not be restored and was kept", leftover.Label)
		return false
	}

	c.report.HadLocalChanges = true
	c.report.Note("restored stash %s left by an interrupted cycle", leftover.Label)
	return true
}

func (r *Reconciler) stash(ctx context.Context, c *cycle, start time.Time) bool {
	c.enter(StageStashing)

	label := StashPrefix + start.UTC().Format(stashTimeFormat)
	stash, err := r.git.StashSave(ctx, label, r.pathspec()...)
	if err != nil {
		c.fail(err)
		return false
	}
	if stash == nil {
		c.logger.Debug("working tree clean, nothing to stash")
		return true
	}

	c.stash = stash
	c.report.StashCreated = true
	c.report.HadLocalChanges = true
	c.logger.Info("stashed local changes", "stash", stash.Label)
	return true
}

// fetch updates the remote tracking branch. A remote branch that does not exist
// yet is not an error: the push step creates it.
func (r *Reconciler) fetch(ctx context.Context, c *cycle) bool {
	c.enter(StageFetching)

	err := r.git.Fetch(ctx, r.cfg.Repo.Remote, r.cfg.Repo.Branch)
	if err == nil {
		c.fetched = true
		return true
	}
	if isMissingRemoteRef(err) {
		c.remoteMissing = true
		c.report.Note("remote branch %s/%s does not exist yet", r.cfg.Repo.Remote, r.cfg.Repo.Branch)
		return false
	}
	c.fail(err)
	if !c.aborted {
		c.report.Note("fetch failed, continuing with local changes only")
	}
	return false
}

func (r *Reconciler) checkDivergence(ctx context.Context, c *cycle) int {
	c.enter(StageDivergenceCheck)

	ahead, behind, err := r.git.Divergence(ctx, "HEAD", r.remoteRef())
	if err != nil {
		c.fail(err)
		return 0
	}
	c.logger.Info("divergence", "ahead", ahead, "behind", behind)
	if behind == 0 {
		c.report.Note("no remote changes")
		return 0
	}
	c.report.HadRemoteChanges = true
	return behind
}

func (r *Reconciler) pull(ctx context.Context, c *cycle) {
	c.enter(StagePulling)

	result, err := r.git.Pull(ctx, r.cfg.Repo.Remote, r.cfg.Repo.Branch)
	if err != nil {
		c.pullFailed = true
		if result.Status == git.PullConflict {
			c.logger.Error("pull conflicted, aborting merge", "conflicts", result.Conflicts)
			if abortErr := r.git.AbortMerge(context.WithoutCancel(ctx)); abortErr != nil {
				c.fail(abortErr)
			}
			c.report.Note("pull conflicted in %s; merge aborted", strings.Join(result.Conflicts, ", "))
		}
		c.fail(err)
		return
	}

	c.logger.Info("pulled remote changes", "status", string(result.Status), "old", result.OldHead, "new", result.NewHead)
	c.report.Note("pulled remote changes (%s)", result.Status)
	if result.OldHead == result.NewHead {
		return
	}

	changed, err := r.git.DiffRefs(ctx, result.OldHead, result.NewHead)
	if err != nil {
		c.fail(err)
		return
	}
	c.changed = changed
	r.decideRestart(ctx, c)
}

// decideRestart restarts the service once when any pulled path is critical
func (r *Reconciler) decideRestart(ctx context.Context, c *cycle) {
	c.enter(StageRestartDecision)

	critical := r.critical.Filter(c.changed)
	if len(critical) == 0 {
		c.logger.Info("no critical files changed", "changed", len(c.changed))
		return
	}

	c.logger.Info("critical files changed, restarting service", "files", critical)
	if err := r.restarter.Restart(ctx); err != nil {
		metrics.Restart(false)
		c.fail(err)
		c.report.Note("service restart failed after critical change to %s", strings.Join(critical, ", "))
		return
	}
	metrics.Restart(true)
	c.report.Restarted = true
	c.report.Note("restarted service after critical change to %s", strings.Join(critical, ", "))
}

// restore pops this cycle's stash. A conflicting pop leaves the stash in place
// and the tree at HEAD, so nothing is lost and nothing is left conflicted.
func (r *Reconciler) restore(ctx context.Context, c *cycle) {
	if c.stash == nil || c.stashConsumed {
		return
	}
	c.enter(StageRestoring)
	c.stashConsumed = true

	if err := r.git.StashPop(ctx, c.stash); err != nil {
		c.logger.Error("LOCAL CHANGES NOT RESTORED: stash kept for manual recovery",
			"stash", c.stash.Label, "error", err)
		c.fail(err)
		c.report.Note("stash %s could not be restored cleanly; it was kept and the working tree reset to HEAD", c.stash.Label)
		return
	}
	c.report.Note("restored local changes")
}

func (r *Reconciler) commit(ctx context.Context, c *cycle, start time.Time) {
	c.enter(StageCommitting)

	files, err := r.git.ChangedFiles(ctx, r.pathspec()...)
	if err != nil {
		c.fail(err)
		return
	}
	if len(files) == 0 {
		c.logger.Debug("nothing to commit")
		return
	}

	message := fmt.Sprintf("%s: %d file(s) changed at %s", r.cfg.Sync.CommitPrefix, len(files), start.UTC().Format(time.RFC3339))
	id, n, err := r.git.CommitAll(ctx, message, r.pathspec()...)
	if err != nil {
		c.fail(err)
		return
	}
	if id == "" {
		return
	}

	c.report.CommitID = id
	c.report.CommittedFiles = n
	c.logger.Info("committed local changes", "commit", id, "files", n)
	c.report.Note("committed %d file(s)", n)
}

func (r *Reconciler) push(ctx context.Context, c *cycle) {
	if !r.needsPush(ctx, c) {
		return
	}
	c.enter(StagePushing)

	err := r.git.Push(ctx, r.cfg.Repo.Remote, r.cfg.Repo.Branch, false)
	if err != nil {
		c.logger.Warn("push failed, retrying with upstream", "error", err)
		err = r.git.Push(ctx, r.cfg.Repo.Remote, r.cfg.Repo.Branch, true)
	}
	if err != nil {
		c.fail(err)
		c.report.Note("push failed; local commits will be pushed next cycle")
		return
	}

	c.report.Pushed = true
	c.logger.Info("pushed to remote", "remote", r.cfg.Repo.Remote, "branch", r.cfg.Repo.Branch)
	c.report.Note("pushed to %s/%s", r.cfg.Repo.Remote, r.cfg.Repo.Branch)
}

// needsPush reports whether HEAD holds commits the remote does not have
func (r *Reconciler) needsPush(ctx context.Context, c *cycle) bool {
	if c.report.CommitID != "" || c.remoteMissing {
		return true
	}
	ahead, _, err := r.git.Divergence(ctx, "HEAD", r.remoteRef())
	if err != nil {
		return false
	}
	return ahead > 0
}

func (r *Reconciler) describeHead(ctx context.Context, c *cycle) {
	head, err := r.git.Head(ctx)
	if err != nil {
		return
	}
	c.report.LastCommitID = head.ID
	c.report.LastCommitSummary = head.Summary
}

// plan reports what a cycle would do without changing the working tree
func (r *Reconciler) plan(ctx context.Context, c *cycle) {
	defer r.describeHead(ctx, c)

	c.enter(StageRecovering)
	branch, err := r.git.CurrentBranch(ctx)
	if err != nil {
		c.report.Abort(string(c.stage), err)
		return
	}
	c.report.Branch = branch

	c.enter(StageStashing)
	local, err := r.git.ChangedFiles(ctx, r.pathspec()...)
	if err != nil {
		c.fail(err)
		return
	}
	c.report.HadLocalChanges = len(local) > 0
	for _, f := range local {
		c.logger.Info("[dry-run] would commit", "path", f)
	}

	if !r.fetch(ctx, c) {
		return
	}
	if behind := r.checkDivergence(ctx, c); behind == 0 {
		return
	}

	changed, err := r.git.DiffRefs(ctx, "HEAD", r.remoteRef())
	if err != nil {
		c.fail(err)
		return
	}
	for _, f := range changed {
		c.logger.Info("[dry-run] would pull", "path", f)
	}
	if critical := r.critical.Filter(changed); len(critical) > 0 {
		c.report.Note("[dry-run] would restart service after critical change to %s", strings.Join(critical, ", "))
	}
}

// pathspec selects the whole working tree except workersyncd's own state and backup directories
func (r *Reconciler) pathspec() []string {
	spec := []string{"."}
	for _, dir := range []string{r.cfg.Paths.StateDir, r.cfg.Paths.BackupDir} {
		if rel := r.cfg.RepoRelative(dir); rel != "" {
			spec = append(spec, ":(exclude)"+rel)
		}
	}
	return spec
}

func (r *Reconciler) remoteRef() string {
	return r.cfg.Repo.Remote + "/" + r.cfg.Repo.Branch
}

func isMissingRemoteRef(err error) bool {
	return fault.KindOf(err) == fault.ConfigurationMissing && strings.Contains(err.Error(), "couldn't find remote ref")
}
