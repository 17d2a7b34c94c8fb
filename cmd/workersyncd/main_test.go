package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/workersyncd/internal/config"
	"github.com/schaermu/workersyncd/internal/report"
	"github.com/schaermu/workersyncd/internal/scheduler"
	"github.com/schaermu/workersyncd/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// useConfig writes content to a temp config file and points the --config flag at it
func useConfig(t *testing.T, content string) string {
	t.Helper()
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	cfgFile = cfgPath
	return cfgPath
}

func TestSetupLogger(t *testing.T) {
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
		debug     bool
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text", debug: true},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
			if got := logger.Enabled(t.Context(), slog.LevelDebug); got != tc.debug {
				t.Errorf("debug enabled = %v, want %v", got, tc.debug)
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	repoDir := t.TempDir()
	useConfig(t, `repo:
  dir: "`+repoDir+`"
  branch: "deploy"
service:
  unit: "worker.service"
`)

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Repo.Branch != "deploy" {
		t.Errorf("expected branch deploy, got %s", cfg.Repo.Branch)
	}
	if cfg.Paths.StateDir != filepath.Join(repoDir, "logs") {
		t.Errorf("expected default state dir below repo, got %s", cfg.Paths.StateDir)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	useConfig(t, `repo:
  dir: "relative/path"
service:
  unit: "worker.service"
`)

	if _, err := loadConfig(quietLogger()); err == nil {
		t.Fatal("expected validation error for relative repo dir")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	if _, err := loadConfig(quietLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())

	// Expect error because the default config file doesn't exist
	if _, err := loadConfig(quietLogger()); err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"sync": false, "backup": false, "serve": false, "status": false, "version": false}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %s not registered", name)
		}
	}
}

func TestAppScheduler_RegistersEnabledCycles(t *testing.T) {
	disabled := false
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []scheduler.Kind
	}{
		{name: "both enabled", mutate: func(*config.Config) {}, want: []scheduler.Kind{scheduler.KindSync, scheduler.KindBackup}},
		{name: "backup disabled", mutate: func(c *config.Config) { c.Backup.Enabled = &disabled }, want: []scheduler.Kind{scheduler.KindSync}},
		{name: "sync disabled", mutate: func(c *config.Config) { c.Sync.Enabled = &disabled }, want: []scheduler.Kind{scheduler.KindBackup}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Repo:    config.RepoConfig{Dir: t.TempDir()},
				Service: config.ServiceConfig{RestartCommand: []string{"true"}},
			}
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			sched, err := newApp(cfg, quietLogger()).scheduler()
			if err != nil {
				t.Fatalf("scheduler() failed: %v", err)
			}
			status := sched.Status()
			if len(status) != len(tt.want) {
				t.Fatalf("expected %d cycles, got %v", len(tt.want), status)
			}
			for _, kind := range tt.want {
				if _, ok := status[kind]; !ok {
					t.Errorf("expected %s cycle registered", kind)
				}
			}
		})
	}
}

func TestPrintStatus_NoRecords(t *testing.T) {
	var buf bytes.Buffer
	if err := printStatus(&buf, report.NewSink(t.TempDir()), false); err != nil {
		t.Fatalf("printStatus failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "no sync recorded yet") || !strings.Contains(out, "no backup recorded yet") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestPrintStatus_WithRecords(t *testing.T) {
	sink := report.NewSink(t.TempDir())
	rep := &report.SyncReport{
		CycleID:      "c1",
		Timestamp:    time.Now().Add(-time.Minute),
		Branch:       "main",
		LastCommitID: "0123456789abcdef",
		Outcome:      report.PartialFailure,
		Notes:        []string{"remote branch missing"},
	}
	rep.Fail("push", os.ErrDeadlineExceeded)
	if err := sink.WriteSync(rep); err != nil {
		t.Fatal(err)
	}
	if err := sink.WriteBackup(&report.BackupSummary{
		BackupID:  "20260101_120000",
		Timestamp: time.Now(),
		TotalSize: 2048,
		Buckets:   map[string]int{config.BucketImages: 3, config.BucketData: 1},
		Outcome:   report.Completed,
	}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := printStatus(&buf, sink, false); err != nil {
		t.Fatalf("printStatus failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"partial_failure", "01234567", "remote branch missing", "[push/", "20260101_120000", "images=3 data=1", "2.0 kB"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := printStatus(&buf, sink, true); err != nil {
		t.Fatalf("printStatus json failed: %v", err)
	}
	var decoded struct {
		LastSync   *report.SyncReport    `json:"last_sync"`
		LastBackup *report.BackupSummary `json:"last_backup"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if decoded.LastSync.CycleID != "c1" || decoded.LastBackup.BackupID != "20260101_120000" {
		t.Errorf("unexpected JSON records: %+v %+v", decoded.LastSync, decoded.LastBackup)
	}
}

func TestRunSync_WritesReport(t *testing.T) {
	remote := testutil.NewRemote(t, "main", map[string]string{"main.py": "print('v1')\n"})
	repoDir := testutil.Clone(t, remote)
	testutil.WriteFiles(t, repoDir, map[string]string{"notes.txt": "local edit\n"})

	useConfig(t, `repo:
  dir: "`+repoDir+`"
service:
  restart_command: ["true"]
`)

	if err := runSync(syncCmd, nil); err != nil {
		t.Fatalf("runSync failed: %v", err)
	}

	last, err := report.NewSink(filepath.Join(repoDir, "logs")).LastSync()
	if err != nil {
		t.Fatalf("expected a sync report: %v", err)
	}
	if last.Outcome != report.Completed || !last.Pushed {
		t.Errorf("expected completed and pushed, got %+v", last)
	}
}

func TestRunSync_UnwritableStateDir(t *testing.T) {
	remote := testutil.NewRemote(t, "main", map[string]string{"main.py": "print('v1')\n"})
	repoDir := testutil.Clone(t, remote)

	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	useConfig(t, `repo:
  dir: "`+repoDir+`"
paths:
  state_dir: "`+filepath.Join(blocker, "state")+`"
service:
  restart_command: ["true"]
`)

	if err := runSync(syncCmd, nil); err == nil {
		t.Fatal("expected an error when the state directory cannot be written")
	}
}
