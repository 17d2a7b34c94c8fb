package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/workersyncd/internal/config"
	"github.com/schaermu/workersyncd/internal/report"
)

func writeStatusJSON(w io.Writer, lastSync *report.SyncReport, lastBackup *report.BackupSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		LastSync   *report.SyncReport    `json:"last_sync"`
		LastBackup *report.BackupSummary `json:"last_backup"`
	}{lastSync, lastBackup})
}

func writeStatusText(w io.Writer, lastSync *report.SyncReport, lastBackup *report.BackupSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer func() {
		_ = tw.Flush()
	}()

	_, _ = fmt.Fprintln(tw, "SYNC")
	if lastSync == nil {
		_, _ = fmt.Fprintln(tw, "  no sync recorded yet")
	} else {
		_, _ = fmt.Fprintf(tw, "  outcome:\t%s (%s)\n", lastSync.Outcome, humanize.Time(lastSync.Timestamp))
		_, _ = fmt.Fprintf(tw, "  branch:\t%s @ %s %s\n", lastSync.Branch, short(lastSync.LastCommitID), lastSync.LastCommitSummary)
		_, _ = fmt.Fprintf(tw, "  remote changes:\t%t\n", lastSync.HadRemoteChanges)
		_, _ = fmt.Fprintf(tw, "  local changes:\t%t (%d file(s) committed, pushed: %t)\n",
			lastSync.HadLocalChanges, lastSync.CommittedFiles, lastSync.Pushed)
		_, _ = fmt.Fprintf(tw, "  restarted:\t%t\n", lastSync.Restarted)
		for _, note := range lastSync.Notes {
			_, _ = fmt.Fprintf(tw, "  note:\t%s\n", note)
		}
		writeErrors(tw, lastSync.Errors)
	}

	_, _ = fmt.Fprintln(tw, "BACKUP")
	if lastBackup == nil {
		_, _ = fmt.Fprintln(tw, "  no backup recorded yet")
		return
	}
	_, _ = fmt.Fprintf(tw, "  outcome:\t%s (%s)\n", lastBackup.Outcome, humanize.Time(lastBackup.Timestamp))
	_, _ = fmt.Fprintf(tw, "  backup id:\t%s\n", lastBackup.BackupID)
	_, _ = fmt.Fprintf(tw, "  total size:\t%s\n", humanize.Bytes(uint64(max(lastBackup.TotalSize, 0))))
	buckets := make([]string, 0, len(lastBackup.Buckets))
	for _, name := range config.Buckets {
		if n, ok := lastBackup.Buckets[name]; ok {
			buckets = append(buckets, fmt.Sprintf("%s=%d", name, n))
		}
	}
	_, _ = fmt.Fprintf(tw, "  buckets:\t%s\n", strings.Join(buckets, " "))
	_, _ = fmt.Fprintf(tw, "  service running:\t%t\n", lastBackup.ServiceRunning)
	_, _ = fmt.Fprintf(tw, "  published:\t%t\n", lastBackup.Published)
	writeErrors(tw, lastBackup.Errors)
}

func writeErrors(w io.Writer, errs []report.StageError) {
	for _, e := range errs {
		_, _ = fmt.Fprintf(w, "  error:\t[%s/%s] %s\n", e.Stage, e.Kind, e.Message)
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
