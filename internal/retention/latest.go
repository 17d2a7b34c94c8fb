package retention

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/workersyncd/internal/config"
	"github.com/schaermu/workersyncd/internal/fault"
	"github.com/schaermu/workersyncd/internal/report"
)

// LatestFile is the human-readable description of the newest backup
const LatestFile = "LATEST.md"

// renderLatest formats a summary as markdown
func renderLatest(summary *report.BackupSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Latest backup\n\n")
	fmt.Fprintf(&b, "- Backup ID: `%s`\n", summary.BackupID)
	fmt.Fprintf(&b, "- Taken: %s\n", summary.Timestamp.UTC().Format(time.RFC3339))
	if summary.Git.Commit != "" {
		fmt.Fprintf(&b, "- Repository: %s @ %s\n", summary.Git.Branch, shortID(summary.Git.Commit))
	}
	fmt.Fprintf(&b, "- Service running: %s\n", yesNo(summary.ServiceRunning))
	fmt.Fprintf(&b, "- Total size: %s\n", humanize.Bytes(uint64(summary.TotalSize)))
	if summary.System.DiskTotal > 0 {
		fmt.Fprintf(&b, "- Disk free: %s of %s\n", humanize.Bytes(summary.System.DiskFree), humanize.Bytes(summary.System.DiskTotal))
	}
	if summary.System.MemTotal > 0 {
		fmt.Fprintf(&b, "- Memory available: %s of %s\n", humanize.Bytes(summary.System.MemAvailable), humanize.Bytes(summary.System.MemTotal))
	}

	fmt.Fprintf(&b, "\n| Bucket | Files | Captured | Pruned |\n|---|---|---|---|\n")
	for _, bucket := range config.Buckets {
		fmt.Fprintf(&b, "| %s | %d | %d | %d |\n", bucket, summary.Buckets[bucket], summary.Captured[bucket], summary.Pruned[bucket])
	}

	if len(summary.Errors) > 0 {
		fmt.Fprintf(&b, "\n## Errors\n\n")
		for _, e := range summary.Errors {
			fmt.Fprintf(&b, "- %s (%s): %s\n", e.Stage, e.Kind, e.Message)
		}
	}
	return b.String()
}

func (s *Store) writeLatest(summary *report.BackupSummary, logger *slog.Logger) {
	path := filepath.Join(s.cfg.Paths.BackupDir, LatestFile)
	if err := report.WriteFileAtomic(path, []byte(renderLatest(summary)), 0644); err != nil {
		logger.Warn("failed to write latest backup description", "error", err)
		summary.Fail("latest", fault.New(fault.ResourceUnavailable, "write "+path, err))
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
