package git

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/schaermu/workersyncd/internal/fault"
	"github.com/schaermu/workersyncd/internal/testutil"
)

// newFixture returns a bare remote with one commit and a client on a fresh clone of it.
func newFixture(t *testing.T) (remote, dir string, client *ShellClient) {
	t.Helper()
	remote = testutil.NewRemote(t, "main", map[string]string{
		"main.py":          "print('v1')\n",
		"requirements.txt": "pillow\n",
	})
	dir = testutil.Clone(t, remote)
	return remote, dir, NewShellClient(dir, "", "", 30*time.Second)
}

func TestCurrentBranchAndHead(t *testing.T) {
	ctx := context.Background()
	_, dir, client := newFixture(t)

	branch, err := client.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if branch != "main" {
		t.Errorf("expected main, got %q", branch)
	}

	head, err := client.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.ID != testutil.Git(t, dir, "rev-parse", "HEAD") {
		t.Errorf("unexpected head id %q", head.ID)
	}
	if head.Summary != "Initial commit" {
		t.Errorf("expected summary 'Initial commit', got %q", head.Summary)
	}
}

func TestCurrentBranch_NotARepository(t *testing.T) {
	client := NewShellClient(t.TempDir(), "", "", 0)
	_, err := client.CurrentBranch(context.Background())
	if err == nil {
		t.Fatal("expected error outside a repository")
	}
	if kind := fault.KindOf(err); kind != fault.ConfigurationMissing {
		t.Errorf("expected configuration_missing, got %s", kind)
	}
}

func TestChangedFiles(t *testing.T) {
	ctx := context.Background()
	_, dir, client := newFixture(t)

	files, err := client.ChangedFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Fatalf("expected clean tree, got %v", files)
	}

	testutil.WriteFiles(t, dir, map[string]string{
		"main.py":           "print('local')\n",
		"notes.txt":         "new\n",
		"backups/LATEST.md": "# latest\n",
	})
	testutil.Git(t, dir, "mv", "requirements.txt", "deps.txt")

	files, err = client.ChangedFiles(ctx, ".", ":(exclude)backups")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"main.py": true, "notes.txt": true, "deps.txt": true}
	if len(files) != len(want) {
		t.Fatalf("expected %d changed files, got %v", len(want), files)
	}
	for _, f := range files {
		if !want[f] {
			t.Errorf("unexpected changed file %q", f)
		}
	}
}

func TestChangedFiles_NonASCIINames(t *testing.T) {
	_, dir, client := newFixture(t)
	testutil.WriteFiles(t, dir, map[string]string{"café notes.txt": "x\n"})
	testutil.Git(t, dir, "mv", "main.py", "entrée.py")

	files, err := client.ChangedFiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"café notes.txt": true, "entrée.py": true}
	if len(files) != len(want) {
		t.Fatalf("expected %d changed files, got %q", len(want), files)
	}
	for _, f := range files {
		if !want[f] {
			t.Errorf("unexpected changed file %q", f)
		}
	}
}

func TestStashSave_CleanTree(t *testing.T) {
	_, _, client := newFixture(t)

	stash, err := client.StashSave(context.Background(), "workersyncd-cycle-1")
	if err != nil {
		t.Fatalf("StashSave: %v", err)
	}
	if stash != nil {
		t.Fatalf("expected no stash for clean tree, got %+v", stash)
	}
}

func TestStashSaveAndPop(t *testing.T) {
	ctx := context.Background()
	_, dir, client := newFixture(t)

	testutil.WriteFiles(t, dir, map[string]string{
		"main.py":   "print('local')\n",
		"notes.txt": "untracked\n",
	})

	stash, err := client.StashSave(ctx, "workersyncd-cycle-20240101T000000Z", ".")
	if err != nil {
		t.Fatalf("StashSave: %v", err)
	}
	if stash == nil {
		t.Fatal("expected a stash")
	}
	if stash.Label != "workersyncd-cycle-20240101T000000Z" {
		t.Errorf("unexpected label %q", stash.Label)
	}

	dirty, err := client.HasChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Fatal("expected clean tree after stash")
	}

	found, err := client.FindStash(ctx, "workersyncd-cycle-")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.Label != stash.Label {
		t.Fatalf("FindStash returned %+v", found)
	}

	if err := client.StashPop(ctx, stash); err != nil {
		t.Fatalf("StashPop: %v", err)
	}
	if got := testutil.ReadFile(t, dir, "main.py"); got != "print('local')\n" {
		t.Errorf("expected restored content, got %q", got)
	}
	if got := testutil.ReadFile(t, dir, "notes.txt"); got != "untracked\n" {
		t.Errorf("expected restored untracked file, got %q", got)
	}
	if n := testutil.StashCount(t, dir); n != 0 {
		t.Errorf("expected stash dropped, %d entries remain", n)
	}
}

func TestStashSave_Pathspec(t *testing.T) {
	ctx := context.Background()
	_, dir, client := newFixture(t)

	testutil.WriteFiles(t, dir, map[string]string{"backups/data/x.json": "{}"})

	pathspec := []string{".", ":(exclude)backups"}
	dirty, err := client.HasChanges(ctx, pathspec...)
	if err != nil {
		t.Fatal(err)
	}
	if dirty {
		t.Fatal("expected excluded directory to be ignored")
	}

	stash, err := client.StashSave(ctx, "workersyncd-cycle-x", pathspec...)
	if err != nil {
		t.Fatal(err)
	}
	if stash != nil {
		t.Fatal("expected no stash when only excluded paths changed")
	}
	if got := testutil.ReadFile(t, dir, "backups/data/x.json"); got != "{}" {
		t.Errorf("excluded file was touched: %q", got)
	}
}

func TestStashPop_ConflictKeepsStash(t *testing.T) {
	ctx := context.Background()
	_, dir, client := newFixture(t)

	testutil.WriteFiles(t, dir, map[string]string{"main.py": "print('stashed')\n"})
	stash, err := client.StashSave(ctx, "workersyncd-cycle-conflict", ".")
	if err != nil || stash == nil {
		t.Fatalf("StashSave: %v %+v", err, stash)
	}

	// A conflicting commit lands on the same line while the change is stashed.
	testutil.CommitFiles(t, dir, "Conflicting edit", map[string]string{"main.py": "print('committed')\n"})

	err = client.StashPop(ctx, stash)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if kind := fault.KindOf(err); kind != fault.WorkingTreeConflict {
		t.Fatalf("expected working_tree_conflict, got %s (%v)", kind, err)
	}

	if n := testutil.StashCount(t, dir); n != 1 {
		t.Errorf("expected stash to be kept, got %d entries", n)
	}
	if got := testutil.ReadFile(t, dir, "main.py"); got != "print('committed')\n" {
		t.Errorf("expected tree reset to HEAD, got %q", got)
	}
	if out := testutil.Git(t, dir, "diff", "--name-only", "--diff-filter=U"); out != "" {
		t.Errorf("expected no unmerged paths, got %q", out)
	}
}

func TestStashPop_ConflictLeavesOtherChanges(t *testing.T) {
	ctx := context.Background()
	_, dir, client := newFixture(t)

	testutil.WriteFiles(t, dir, map[string]string{"main.py": "print('stashed')\n"})
	stash, err := client.StashSave(ctx, "workersyncd-cycle-conflict", ".")
	if err != nil || stash == nil {
		t.Fatalf("StashSave: %v %+v", err, stash)
	}
	testutil.CommitFiles(t, dir, "Conflicting edit", map[string]string{"main.py": "print('committed')\n"})

	// Edited after the stash was taken; not part of it.
	testutil.WriteFiles(t, dir, map[string]string{"requirements.txt": "pillow\ntorch\n"})

	err = client.StashPop(ctx, stash)
	if kind := fault.KindOf(err); err == nil || kind != fault.WorkingTreeConflict {
		t.Fatalf("expected working_tree_conflict, got %v", err)
	}
	if got := testutil.ReadFile(t, dir, "main.py"); got != "print('committed')\n" {
		t.Errorf("expected conflicting path reset to HEAD, got %q", got)
	}
	if got := testutil.ReadFile(t, dir, "requirements.txt"); got != "pillow\ntorch\n" {
		t.Errorf("unrelated local edit was discarded: %q", got)
	}
	if n := testutil.StashCount(t, dir); n != 1 {
		t.Errorf("expected stash to be kept, got %d entries", n)
	}
}

func TestEnsureCheckout_ClonesMissingWorkingCopy(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewRemote(t, "main", map[string]string{"main.py": "print('v1')\n"})
	dir := filepath.Join(t.TempDir(), "srv", "worker")
	client := NewShellClient(dir, "", "", 30*time.Second)

	created, err := client.EnsureCheckout(ctx, remote, "origin", "main")
	if err != nil {
		t.Fatalf("EnsureCheckout: %v", err)
	}
	if !created {
		t.Fatal("expected the working copy to be created")
	}
	if got := testutil.ReadFile(t, dir, "main.py"); got != "print('v1')\n" {
		t.Errorf("expected cloned content, got %q", got)
	}
	if got := testutil.Git(t, dir, "rev-parse", "--abbrev-ref", "main@{upstream}"); got != "origin/main" {
		t.Errorf("expected main to track origin/main, got %q", got)
	}

	// An existing working copy is left exactly as it is.
	testutil.WriteFiles(t, dir, map[string]string{"main.py": "print('local')\n"})
	created, err = client.EnsureCheckout(ctx, remote, "origin", "main")
	if err != nil || created {
		t.Fatalf("expected no-op on existing working copy, got created=%v err=%v", created, err)
	}
	if got := testutil.ReadFile(t, dir, "main.py"); got != "print('local')\n" {
		t.Errorf("existing working copy was modified: %q", got)
	}
}

func TestEnsureCheckout_InitializesWhenCloneIsNotPossible(t *testing.T) {
	ctx := context.Background()
	empty := filepath.Join(t.TempDir(), "empty.git")
	testutil.Git(t, filepath.Dir(empty), "init", "-q", "--bare", "-b", "main", empty)

	dir := filepath.Join(t.TempDir(), "worker")
	client := NewShellClient(dir, "", "", 30*time.Second)

	created, err := client.EnsureCheckout(ctx, empty, "origin", "main")
	if err != nil {
		t.Fatalf("EnsureCheckout: %v", err)
	}
	if !created {
		t.Fatal("expected the working copy to be created")
	}
	if got := testutil.Git(t, dir, "remote", "get-url", "origin"); got != empty {
		t.Errorf("expected origin %s, got %s", empty, got)
	}
	if got := testutil.Git(t, dir, "symbolic-ref", "--short", "HEAD"); got != "main" {
		t.Errorf("expected unborn main branch, got %s", got)
	}
}

func TestEnsureCheckout_AdoptsDirectoryWithFiles(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewRemote(t, "main", map[string]string{"main.py": "print('v1')\n"})
	dir := t.TempDir()
	testutil.WriteFiles(t, dir, map[string]string{"logs/last_sync.json": "{}\n"})
	client := NewShellClient(dir, "", "", 30*time.Second)

	created, err := client.EnsureCheckout(ctx, remote, "origin", "main")
	if err != nil {
		t.Fatalf("EnsureCheckout: %v", err)
	}
	if !created {
		t.Fatal("expected the working copy to be created")
	}
	if got := testutil.ReadFile(t, dir, "main.py"); got != "print('v1')\n" {
		t.Errorf("expected checked out content, got %q", got)
	}
	if got := testutil.ReadFile(t, dir, "logs/last_sync.json"); got != "{}\n" {
		t.Errorf("existing file lost: %q", got)
	}
	if got, want := testutil.Git(t, dir, "rev-parse", "HEAD"), testutil.Git(t, remote, "rev-parse", "main"); got != want {
		t.Errorf("HEAD %s != remote main %s", got, want)
	}
}

func TestEnsureCheckout_UnreachableRemoteLeavesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "worker")
	client := NewShellClient(dir, "", "", 30*time.Second)

	_, err := client.EnsureCheckout(context.Background(), "https://127.0.0.1:1/repo.git", "origin", "main")
	if err == nil {
		t.Fatal("expected error for unreachable remote")
	}
	if kind := fault.KindOf(err); kind != fault.TransientNetwork {
		t.Errorf("expected transient_network, got %s (%v)", kind, err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, ".git")); !os.IsNotExist(statErr) {
		t.Errorf("expected no repository left behind, stat: %v", statErr)
	}
}

func TestFetchDivergenceDiffAndPull(t *testing.T) {
	ctx := context.Background()
	remote, dir, client := newFixture(t)

	if err := client.Fetch(ctx, "origin", "main"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	ahead, behind, err := client.Divergence(ctx, "HEAD", "origin/main")
	if err != nil {
		t.Fatal(err)
	}
	if ahead != 0 || behind != 0 {
		t.Fatalf("expected no divergence, got ahead=%d behind=%d", ahead, behind)
	}

	testutil.PushUpstream(t, remote, "main", "Bump deps", map[string]string{"requirements.txt": "pillow\nrequests\n"})

	if err := client.Fetch(ctx, "origin", "main"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	_, behind, err = client.Divergence(ctx, "HEAD", "origin/main")
	if err != nil {
		t.Fatal(err)
	}
	if behind != 1 {
		t.Fatalf("expected 1 commit behind, got %d", behind)
	}

	changed, err := client.DiffRefs(ctx, "HEAD", "origin/main")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(changed, []string{"requirements.txt"}) {
		t.Fatalf("unexpected diff %v", changed)
	}

	result, err := client.Pull(ctx, "origin", "main")
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if result.Status != PullFastForward {
		t.Errorf("expected fast_forward, got %s", result.Status)
	}
	if result.OldHead == result.NewHead {
		t.Error("expected HEAD to move")
	}
	if got := testutil.ReadFile(t, dir, "requirements.txt"); got != "pillow\nrequests\n" {
		t.Errorf("expected pulled content, got %q", got)
	}

	result, err = client.Pull(ctx, "origin", "main")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != PullUpToDate {
		t.Errorf("expected up_to_date on second pull, got %s", result.Status)
	}
}

func TestPull_Conflict(t *testing.T) {
	ctx := context.Background()
	remote, dir, client := newFixture(t)

	testutil.PushUpstream(t, remote, "main", "Remote edit", map[string]string{"main.py": "print('remote')\n"})
	testutil.CommitFiles(t, dir, "Local edit", map[string]string{"main.py": "print('local')\n"})

	result, err := client.Pull(ctx, "origin", "main")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if result.Status != PullConflict {
		t.Fatalf("expected conflict status, got %s", result.Status)
	}
	if fault.KindOf(err) != fault.WorkingTreeConflict {
		t.Fatalf("expected working_tree_conflict, got %s", fault.KindOf(err))
	}
	if !reflect.DeepEqual(result.Conflicts, []string{"main.py"}) {
		t.Errorf("unexpected conflicts %v", result.Conflicts)
	}

	if err := client.AbortMerge(ctx); err != nil {
		t.Fatalf("AbortMerge: %v", err)
	}
	if got := testutil.ReadFile(t, dir, "main.py"); got != "print('local')\n" {
		t.Errorf("expected local content after abort, got %q", got)
	}
}

func TestCommitAll(t *testing.T) {
	ctx := context.Background()
	_, dir, client := newFixture(t)

	id, n, err := client.CommitAll(ctx, "nothing")
	if err != nil {
		t.Fatal(err)
	}
	if id != "" || n != 0 {
		t.Fatalf("expected no commit on clean tree, got %q/%d", id, n)
	}

	testutil.WriteFiles(t, dir, map[string]string{
		"notes.txt":          "hello\n",
		"outputs/img_1.png":  "png",
		"backups/LATEST.md":  "# latest\n",
		"logs/last_sync.log": "{}\n",
	})

	id, n, err = client.CommitAll(ctx, "Auto-sync: test", ".", ":(exclude)backups", ":(exclude)logs")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 committed files, got %d", n)
	}
	if id != testutil.Git(t, dir, "rev-parse", "HEAD") {
		t.Errorf("returned id %q is not HEAD", id)
	}

	status := testutil.Git(t, dir, "status", "--porcelain", "--untracked-files=all")
	if status != "?? backups/LATEST.md\n?? logs/last_sync.log" {
		t.Errorf("expected excluded files untouched, got %q", status)
	}
}

func TestPush_SetsUpstreamOnRetry(t *testing.T) {
	ctx := context.Background()
	remote := testutil.NewRemote(t, "main", map[string]string{"main.py": "v1\n"})

	// A repository whose branch has no upstream configured yet.
	dir := filepath.Join(t.TempDir(), "worker")
	testutil.Git(t, filepath.Dir(dir), "init", "-q", "-b", "main", dir)
	testutil.Git(t, dir, "config", "user.email", "test@test.com")
	testutil.Git(t, dir, "config", "user.name", "Test")
	testutil.Git(t, dir, "remote", "add", "origin", remote)
	testutil.Git(t, dir, "fetch", "-q", "origin")
	testutil.Git(t, dir, "reset", "-q", "--hard", "origin/main")
	testutil.CommitFiles(t, dir, "Local", map[string]string{"notes.txt": "x\n"})

	client := NewShellClient(dir, "", "", 30*time.Second)

	err := client.Push(ctx, "origin", "main", false)
	if err == nil {
		t.Fatal("expected push without upstream to fail")
	}
	if kind := fault.KindOf(err); kind != fault.ConfigurationMissing {
		t.Errorf("expected configuration_missing, got %s (%v)", kind, err)
	}

	if err := client.Push(ctx, "origin", "main", true); err != nil {
		t.Fatalf("Push with upstream: %v", err)
	}
	if got, want := testutil.Git(t, remote, "rev-parse", "main"), testutil.Git(t, dir, "rev-parse", "HEAD"); got != want {
		t.Errorf("remote main %s != local HEAD %s", got, want)
	}
}

func TestFetch_MissingRemote(t *testing.T) {
	_, _, client := newFixture(t)

	err := client.Fetch(context.Background(), "nowhere", "main")
	if err == nil {
		t.Fatal("expected error for unknown remote")
	}
	if kind := fault.KindOf(err); kind != fault.ConfigurationMissing {
		t.Errorf("expected configuration_missing, got %s (%v)", kind, err)
	}
}

func TestFetch_UnreachableRemote(t *testing.T) {
	_, dir, client := newFixture(t)
	testutil.Git(t, dir, "remote", "set-url", "origin", "https://127.0.0.1:1/repo.git")

	err := client.Fetch(context.Background(), "origin", "main")
	if err == nil {
		t.Fatal("expected error for unreachable remote")
	}
	if kind := fault.KindOf(err); kind != fault.TransientNetwork {
		t.Errorf("expected transient_network, got %s (%v)", kind, err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		output string
		want   fault.Kind
	}{
		{output: "CONFLICT (content): Merge conflict in main.py", want: fault.WorkingTreeConflict},
		{output: "error: Your local changes to the following files would be overwritten by merge", want: fault.WorkingTreeConflict},
		{output: "fatal: couldn't find remote ref main", want: fault.ConfigurationMissing},
		{output: "fatal: The current branch main has no upstream branch.", want: fault.ConfigurationMissing},
		{output: "fatal: not a git repository (or any of the parent directories): .git", want: fault.ConfigurationMissing},
		{output: "fatal: unable to access 'https://example.com/': Could not resolve host", want: fault.TransientNetwork},
		{output: " ! [rejected]        main -> main (fetch first)", want: fault.TransientNetwork},
		{output: "something else entirely", want: fault.Unexpected},
	}

	for _, tt := range tests {
		if got := classify(tt.output); got != tt.want {
			t.Errorf("classify(%q) = %s, want %s", tt.output, got, tt.want)
		}
	}
}

func TestStashLabel(t *testing.T) {
	if got := stashLabel("On main: workersyncd-cycle-1"); got != "workersyncd-cycle-1" {
		t.Errorf("unexpected label %q", got)
	}
	if got := stashLabel("plain"); got != "plain" {
		t.Errorf("unexpected label %q", got)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/home/user/.ssh/key", want: "'/home/user/.ssh/key'"},
		{name: "path with spaces", input: "/home/my user/key", want: "'/home/my user/key'"},
		{name: "path with single quote", input: "/home/user's/key", want: "'/home/user'\\''s/key'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shellQuote(tt.input)
			if got != tt.want {
				t.Errorf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before working copy flag",
			args:  []string{"git", "-C", "/dir", "fetch", "origin"},
			flags: []string{"-c", "cred=helper"},
			want:  []string{"git", "-c", "cred=helper", "-C", "/dir", "fetch", "origin"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertGitFlags(tt.args, tt.flags...)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("insertGitFlags() = %v, want %v", got, tt.want)
			}
		})
	}
}
