// Package testutil provides git repository fixtures for tests that exercise
// the real git binary.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Git runs git with args in dir and fails the test on error. It returns trimmed stdout.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// configureIdentity sets a committer identity so commits work on bare CI machines
func configureIdentity(t testing.TB, dir string) {
	t.Helper()
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "commit.gpgsign", "false")
}

// NewRemote creates a bare repository whose branch holds one commit with files.
// It returns the path of the bare repository.
func NewRemote(t testing.TB, branch string, files map[string]string) string {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "remote.git")
	Git(t, filepath.Dir(remote), "init", "-q", "--bare", "-b", branch, remote)

	seed := filepath.Join(t.TempDir(), "seed")
	Git(t, filepath.Dir(seed), "init", "-q", "-b", branch, seed)
	configureIdentity(t, seed)
	WriteFiles(t, seed, files)
	Git(t, seed, "add", "-A")
	Git(t, seed, "commit", "-q", "-m", "Initial commit")
	Git(t, seed, "remote", "add", "origin", remote)
	Git(t, seed, "push", "-q", "-u", "origin", branch)
	return remote
}

// Clone clones remote into a fresh directory with a committer identity configured
func Clone(t testing.TB, remote string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clone")
	Git(t, filepath.Dir(dir), "clone", "-q", remote, dir)
	configureIdentity(t, dir)
	return dir
}

// WriteFiles writes each name -> content pair below dir, creating parent directories
func WriteFiles(t testing.TB, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// CommitFiles writes files in dir and commits them with msg
func CommitFiles(t testing.TB, dir, msg string, files map[string]string) string {
	t.Helper()
	WriteFiles(t, dir, files)
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-q", "-m", msg)
	return Git(t, dir, "rev-parse", "HEAD")
}

// PushUpstream commits files in a separate clone of remote and pushes them,
// simulating a change made by another machine. It returns the new commit id.
func PushUpstream(t testing.TB, remote, branch, msg string, files map[string]string) string {
	t.Helper()
	other := Clone(t, remote)
	id := CommitFiles(t, other, msg, files)
	Git(t, other, "push", "-q", "origin", branch)
	return id
}

// ReadFile returns the content of name below dir, failing the test if it cannot be read
func ReadFile(t testing.TB, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// StashCount returns the number of stash entries in dir
func StashCount(t testing.TB, dir string) int {
	t.Helper()
	out := Git(t, dir, "stash", "list")
	if out == "" {
		return 0
	}
	return len(strings.Split(out, "\n"))
}
