package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/schaermu/workersyncd/internal/fault"
)

// Client provides porcelain-level git operations on a single working copy.
// Every error returned is a *fault.Error whose Kind tells the caller whether
// the failure is recoverable.
type Client interface {
	// EnsureCheckout creates the working copy from url when it does not exist yet;
	// it reports whether anything was created
	EnsureCheckout(ctx context.Context, url, remote, branch string) (bool, error)
	// CurrentBranch returns the checked out branch name
	CurrentBranch(ctx context.Context) (string, error)
	// Head returns the commit HEAD points to
	Head(ctx context.Context) (Commit, error)
	// HasChanges reports whether the working tree has uncommitted changes within pathspec
	HasChanges(ctx context.Context, pathspec ...string) (bool, error)
	// ChangedFiles lists modified, deleted and untracked paths within pathspec
	ChangedFiles(ctx context.Context, pathspec ...string) ([]string, error)
	// StashSave stashes uncommitted changes (untracked included); nil when there is nothing to save
	StashSave(ctx context.Context, label string, pathspec ...string) (*Stash, error)
	// FindStash returns the newest stash whose label starts with prefix, or nil
	FindStash(ctx context.Context, prefix string) (*Stash, error)
	// StashPop reapplies and drops a stash; on conflict the stash is kept
	StashPop(ctx context.Context, stash *Stash) error
	// Fetch updates the remote tracking ref for branch
	Fetch(ctx context.Context, remote, branch string) error
	// Divergence counts commits only in local (ahead) and only in remote (behind)
	Divergence(ctx context.Context, local, remote string) (ahead, behind int, err error)
	// DiffRefs lists paths changed on b since its merge base with a
	DiffRefs(ctx context.Context, a, b string) ([]string, error)
	// Pull merges remote/branch into the current branch
	Pull(ctx context.Context, remote, branch string) (PullResult, error)
	// AbortMerge abandons an in-progress merge
	AbortMerge(ctx context.Context) error
	// CommitAll stages and commits everything within pathspec; empty id when nothing was staged
	CommitAll(ctx context.Context, message string, pathspec ...string) (string, int, error)
	// Push pushes the current branch, optionally setting its upstream
	Push(ctx context.Context, remote, branch string, setUpstream bool) error
}

// Commit identifies a commit by id and subject line
type Commit struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// Stash is a handle to a labeled stash entry
type Stash struct {
	Ref   string `json:"ref"`
	Label string `json:"label"`
}

// PullStatus describes how a pull changed HEAD
type PullStatus string

const (
	PullUpToDate    PullStatus = "up_to_date"
	PullFastForward PullStatus = "fast_forward"
	PullMerged      PullStatus = "merged"
	PullConflict    PullStatus = "conflict"
)

// PullResult is the outcome of a pull
type PullResult struct {
	Status    PullStatus
	OldHead   string
	NewHead   string
	Conflicts []string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	dir            string
	sshKeyFile     string
	httpsTokenFile string
	timeout        time.Duration
}

// NewShellClient creates a git client for the working copy at dir.
// Network operations (fetch, pull, push) are bounded by timeout when it is positive.
func NewShellClient(dir, sshKeyFile, httpsTokenFile string, timeout time.Duration) *ShellClient {
	return &ShellClient{
		dir:            dir,
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		timeout:        timeout,
	}
}

// EnsureCheckout clones url into the working copy directory when it has no
// .git yet. A directory that already holds files, or a remote the clone cannot
// use (empty, missing branch), gets an initialized repository with url as its
// remote instead. An existing working copy is never touched.
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, remote, branch string) (bool, error) {
	if _, err := os.Stat(filepath.Join(c.dir, ".git")); err == nil {
		return false, nil
	}

	if isEmptyDir(c.dir) {
		if err := os.MkdirAll(filepath.Dir(c.dir), 0755); err != nil {
			return false, fault.New(fault.ResourceUnavailable, "clone", fmt.Errorf("failed to create parent directory: %w", err))
		}
		err := c.clone(ctx, url, remote, branch)
		if err == nil {
			return true, nil
		}
		if fault.KindOf(err) == fault.TransientNetwork {
			return false, err
		}
	}

	if err := c.initRemote(ctx, url, remote, branch); err != nil {
		// Roll back so the next attempt starts from scratch
		_ = os.RemoveAll(filepath.Join(c.dir, ".git"))
		return false, err
	}
	return true, nil
}

func (c *ShellClient) clone(ctx context.Context, url, remote, branch string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "clone", "-q", "--origin", remote, "--branch", branch, url, c.dir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	if err := c.configureAuth(cmd); err != nil {
		return fault.New(fault.ConfigurationMissing, "clone", err)
	}
	_, err := c.run(ctx, "clone", cmd)
	return err
}

// initRemote initializes the directory in place and checks out remote/branch
// when the remote already has it. Untracked files in the directory are kept.
func (c *ShellClient) initRemote(ctx context.Context, url, remote, branch string) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fault.New(fault.ResourceUnavailable, "init", err)
	}
	if _, err := c.output(ctx, "init", "init", "-q", "-b", branch); err != nil {
		return err
	}
	if _, err := c.output(ctx, "remote add", "remote", "add", remote, url); err != nil {
		return err
	}

	err := c.Fetch(ctx, remote, branch)
	if err != nil {
		if fault.KindOf(err) == fault.ConfigurationMissing && strings.Contains(err.Error(), "couldn't find remote ref") {
			// Empty remote: the first push creates the branch
			return nil
		}
		return err
	}
	_, err = c.output(ctx, "checkout", "checkout", "-q", "-B", branch, "--track", remote+"/"+branch)
	return err
}

func isEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return true
	}
	return err == nil && len(entries) == 0
}

// CurrentBranch returns the short name of the checked out branch
func (c *ShellClient) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.output(ctx, "branch", "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Head returns the id and subject of HEAD
func (c *ShellClient) Head(ctx context.Context) (Commit, error) {
	out, err := c.output(ctx, "head", "log", "-1", "--format=%H%x00%s")
	if err != nil {
		return Commit{}, err
	}
	id, summary, _ := strings.Cut(strings.TrimSpace(out), "\x00")
	return Commit{ID: id, Summary: summary}, nil
}

// HasChanges reports whether git status shows anything within pathspec
func (c *ShellClient) HasChanges(ctx context.Context, pathspec ...string) (bool, error) {
	files, err := c.ChangedFiles(ctx, pathspec...)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// ChangedFiles parses git status --porcelain -z into repository-relative paths.
// Renames are reported by their new path.
func (c *ShellClient) ChangedFiles(ctx context.Context, pathspec ...string) ([]string, error) {
	args := append([]string{"status", "--porcelain", "-z", "--untracked-files=all", "--"}, pathspec...)
	out, err := c.output(ctx, "status", args...)
	if err != nil {
		return nil, err
	}

	var files []string
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		// Renames and copies are followed by their source path
		if strings.ContainsAny(entry[:2], "RC") {
			i++
		}
		files = append(files, entry[3:])
	}
	return files, nil
}

// StashSave stashes tracked and untracked changes under label
func (c *ShellClient) StashSave(ctx context.Context, label string, pathspec ...string) (*Stash, error) {
	dirty, err := c.HasChanges(ctx, pathspec...)
	if err != nil {
		return nil, err
	}
	if !dirty {
		return nil, nil
	}

	args := append([]string{"stash", "push", "--include-untracked", "-m", label, "--"}, pathspec...)
	if _, err := c.output(ctx, "stash save", args...); err != nil {
		return nil, err
	}

	stash, err := c.FindStash(ctx, label)
	if err != nil {
		return nil, err
	}
	if stash == nil {
		return nil, fault.New(fault.Unexpected, "stash save", fmt.Errorf("stash %q not found after push", label))
	}
	return stash, nil
}

// FindStash scans the stash list for the newest entry whose label starts with prefix
func (c *ShellClient) FindStash(ctx context.Context, prefix string) (*Stash, error) {
	out, err := c.output(ctx, "stash list", "stash", "list", "--format=%gd%x00%gs")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(out, "\n") {
		ref, subject, ok := strings.Cut(line, "\x00")
		if !ok {
			continue
		}
		label := stashLabel(subject)
		if strings.HasPrefix(label, prefix) {
			return &Stash{Ref: ref, Label: label}, nil
		}
	}
	return nil, nil
}

// stashLabel strips the "On <branch>: " prefix git adds to stash subjects
func stashLabel(subject string) string {
	if _, label, ok := strings.Cut(subject, ": "); ok {
		return label
	}
	return subject
}

// StashPop reapplies the stash. When the pop conflicts, the paths the stash
// touches are reset to HEAD so no conflict markers remain, and the stash entry
// is kept. Other uncommitted changes in the working tree are left alone.
func (c *ShellClient) StashPop(ctx context.Context, stash *Stash) error {
	if stash == nil {
		return nil
	}

	// Re-resolve by label since indexes shift when other entries are added
	current, err := c.FindStash(ctx, stash.Label)
	if err != nil {
		return err
	}
	if current == nil {
		return fault.New(fault.WorkingTreeConflict, "stash pop", fmt.Errorf("stash %q no longer exists", stash.Label))
	}

	touched, err := c.stashPaths(ctx, current.Ref)
	if err != nil {
		return err
	}

	_, popErr := c.output(ctx, "stash pop", "stash", "pop", current.Ref)
	if popErr == nil {
		return nil
	}

	conflicts, _ := c.unmergedPaths(ctx)
	if len(conflicts) == 0 {
		// Refused before touching the tree, e.g. local changes would be overwritten
		return popErr
	}
	if err := c.restoreToHead(ctx, append(touched, conflicts...)); err != nil {
		return fault.New(fault.WorkingTreeConflict, "stash pop",
			fmt.Errorf("%w (cleanup failed: %v)", popErr, err))
	}
	return fault.New(fault.WorkingTreeConflict, "stash pop",
		fmt.Errorf("stash %q kept, conflicting paths %v: %w", stash.Label, conflicts, popErr))
}

// stashPaths lists the tracked paths a stash entry changes
func (c *ShellClient) stashPaths(ctx context.Context, ref string) ([]string, error) {
	out, err := c.output(ctx, "stash show", "diff", "--name-only", "-z", ref+"^1", ref)
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

// restoreToHead unstages paths and resets the ones HEAD knows to their committed content
func (c *ShellClient) restoreToHead(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	specs := literal(paths)
	if _, err := c.output(ctx, "reset", append([]string{"reset", "-q", "--"}, specs...)...); err != nil {
		return err
	}

	out, err := c.output(ctx, "ls-tree", append([]string{"ls-tree", "-r", "-z", "--name-only", "HEAD", "--"}, specs...)...)
	if err != nil {
		return err
	}
	tracked := splitNUL(out)
	if len(tracked) == 0 {
		return nil
	}
	_, err = c.output(ctx, "checkout", append([]string{"checkout", "HEAD", "--"}, literal(tracked)...)...)
	return err
}

// Fetch fetches branch from remote
func (c *ShellClient) Fetch(ctx context.Context, remote, branch string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.remoteOutput(ctx, "fetch", "fetch", "--prune", remote, branch)
	return err
}

// Divergence runs rev-list --left-right --count local...remote
func (c *ShellClient) Divergence(ctx context.Context, local, remote string) (int, int, error) {
	out, err := c.output(ctx, "divergence", "rev-list", "--left-right", "--count", local+"..."+remote)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fault.New(fault.Unexpected, "divergence", fmt.Errorf("unexpected rev-list output %q", out))
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fault.New(fault.Unexpected, "divergence", err)
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fault.New(fault.Unexpected, "divergence", err)
	}
	return ahead, behind, nil
}

// DiffRefs lists the paths changed between the merge base of a and b, and b
func (c *ShellClient) DiffRefs(ctx context.Context, a, b string) ([]string, error) {
	out, err := c.output(ctx, "diff", "diff", "--name-only", a+"..."+b)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Pull merges remote/branch into the current branch without rebasing
func (c *ShellClient) Pull(ctx context.Context, remote, branch string) (PullResult, error) {
	before, err := c.Head(ctx)
	if err != nil {
		return PullResult{}, err
	}
	result := PullResult{OldHead: before.ID, NewHead: before.ID}

	pullCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.remoteOutput(pullCtx, "pull", "pull", "--no-rebase", "--no-edit", remote, branch); err != nil {
		// An interrupted pull may still have left a merge behind
		inspect := context.WithoutCancel(ctx)
		conflicts, _ := c.unmergedPaths(inspect)
		if len(conflicts) > 0 || c.mergeInProgress(inspect) {
			result.Status = PullConflict
			result.Conflicts = conflicts
			return result, fault.New(fault.WorkingTreeConflict, "pull",
				fmt.Errorf("merge conflict in %v: %w", conflicts, err))
		}
		return result, err
	}

	after, err := c.Head(ctx)
	if err != nil {
		return result, err
	}
	result.NewHead = after.ID

	switch {
	case after.ID == before.ID:
		result.Status = PullUpToDate
	case c.isMergeCommit(ctx, after.ID):
		result.Status = PullMerged
	default:
		result.Status = PullFastForward
	}
	return result, nil
}

// AbortMerge runs git merge --abort
func (c *ShellClient) AbortMerge(ctx context.Context) error {
	_, err := c.output(ctx, "merge abort", "merge", "--abort")
	return err
}

// CommitAll stages all changes within pathspec and commits them.
// It returns the new commit id and the number of files committed.
func (c *ShellClient) CommitAll(ctx context.Context, message string, pathspec ...string) (string, int, error) {
	if len(pathspec) == 0 {
		pathspec = []string{"."}
	}

	addArgs := append([]string{"add", "-A", "--"}, pathspec...)
	if _, err := c.output(ctx, "add", addArgs...); err != nil {
		return "", 0, err
	}

	diffArgs := append([]string{"diff", "--cached", "--name-only", "--"}, pathspec...)
	out, err := c.output(ctx, "diff cached", diffArgs...)
	if err != nil {
		return "", 0, err
	}
	files := splitLines(out)
	if len(files) == 0 {
		return "", 0, nil
	}

	commitArgs := append([]string{"commit", "-q", "-m", message, "--"}, pathspec...)
	if _, err := c.output(ctx, "commit", commitArgs...); err != nil {
		return "", 0, err
	}

	head, err := c.Head(ctx)
	if err != nil {
		return "", len(files), err
	}
	return head.ID, len(files), nil
}

// Push pushes the current branch. Without setUpstream it relies on the branch's
// configured upstream; with it, HEAD is pushed to remote/branch and tracked.
func (c *ShellClient) Push(ctx context.Context, remote, branch string, setUpstream bool) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	args := []string{"push", remote}
	if setUpstream {
		args = []string{"push", "--set-upstream", remote, "HEAD:refs/heads/" + branch}
	}
	_, err := c.remoteOutput(ctx, "push", args...)
	return err
}

func (c *ShellClient) unmergedPaths(ctx context.Context) ([]string, error) {
	out, err := c.output(ctx, "unmerged", "diff", "--name-only", "-z", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitNUL(out), nil
}

func (c *ShellClient) mergeInProgress(ctx context.Context) bool {
	_, err := c.output(ctx, "merge head", "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}

func (c *ShellClient) isMergeCommit(ctx context.Context, id string) bool {
	_, err := c.output(ctx, "parents", "rev-parse", "-q", "--verify", id+"^2")
	return err == nil
}

func (c *ShellClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// output runs a local git command in the working copy and returns its stdout
func (c *ShellClient) output(ctx context.Context, op string, args ...string) (string, error) {
	cmd := c.command(ctx, args...)
	return c.run(ctx, op, cmd)
}

// remoteOutput runs a git command that talks to a remote, with auth configured
func (c *ShellClient) remoteOutput(ctx context.Context, op string, args ...string) (string, error) {
	cmd := c.command(ctx, args...)
	if err := c.configureAuth(cmd); err != nil {
		return "", fault.New(fault.ConfigurationMissing, op, err)
	}
	return c.run(ctx, op, cmd)
}

func (c *ShellClient) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", c.dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	return cmd
}

// run executes cmd and converts failures into classified fault errors
func (c *ShellClient) run(ctx context.Context, op string, cmd *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String() + "\n" + stdout.String())
		kind := classify(detail)
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind = fault.TransientNetwork
			err = errors.Join(err, ctxErr)
		}
		return stdout.String(), fault.New(kind, "git "+op, fmt.Errorf("%w: %s", err, detail))
	}
	return stdout.String(), nil
}

var (
	conflictMarkers = []string{
		"CONFLICT",
		"Automatic merge failed",
		"would be overwritten",
		"already exists, no checkout",
		"could not restore untracked files",
		"unmerged",
	}
	configMarkers = []string{
		"not a git repository",
		"does not appear to be a git repository",
		"No such remote",
		"couldn't find remote ref",
		"has no upstream branch",
		"no upstream configured",
		"unknown revision",
		"bad revision",
		"does not have any commits yet",
		"ambiguous argument",
	}
	networkMarkers = []string{
		"Could not resolve host",
		"unable to access",
		"Could not read from remote repository",
		"Connection refused",
		"Connection timed out",
		"timed out",
		"Network is unreachable",
		"[rejected]",
		"failed to push some refs",
		"the remote end hung up",
	}
)

// classify maps git's output onto a fault kind
func classify(output string) fault.Kind {
	for _, m := range conflictMarkers {
		if strings.Contains(output, m) {
			return fault.WorkingTreeConflict
		}
	}
	for _, m := range configMarkers {
		if strings.Contains(output, m) {
			return fault.ConfigurationMissing
		}
	}
	for _, m := range networkMarkers {
		if strings.Contains(output, m) {
			return fault.TransientNetwork
		}
	}
	return fault.Unexpected
}

// configureAuth sets up authentication for git operations that reach a remote
func (c *ShellClient) configureAuth(cmd *exec.Cmd) error {
	// SSH authentication
	if c.sshKeyFile != "" {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels via the environment to a credential helper,
		// so it never appears in argv or in the repository config.
		cmd.Env = append(cmd.Env, "WORKERSYNCD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$WORKERSYNCD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "fetch", "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func splitNUL(s string) []string {
	var fields []string
	for _, f := range strings.Split(s, "\x00") {
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// literal turns repository paths into pathspecs that match only themselves
func literal(paths []string) []string {
	specs := make([]string, len(paths))
	for i, p := range paths {
		specs[i] = ":(literal)" + p
	}
	return specs
}
