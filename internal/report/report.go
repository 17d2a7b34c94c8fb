// Package report persists the outcome of sync and backup cycles: a "last"
// record per cycle kind, overwritten atomically, plus an append-only log of
// every record as JSON lines.
package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/schaermu/workersyncd/internal/fault"
)

// Outcome summarizes how a cycle ended
type Outcome string

const (
	Completed      Outcome = "completed"
	PartialFailure Outcome = "partial_failure"
	Failed         Outcome = "failed"
)

// StageError records a failure in one stage of a cycle
type StageError struct {
	Stage   string     `json:"stage"`
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
}

// NewStageError classifies err for the given stage
func NewStageError(stage string, err error) StageError {
	return StageError{Stage: stage, Kind: fault.KindOf(err), Message: err.Error()}
}

// SyncReport is the record of one reconciliation cycle
type SyncReport struct {
	CycleID           string       `json:"cycle_id"`
	Timestamp         time.Time    `json:"timestamp"`
	Branch            string       `json:"branch"`
	LastCommitID      string       `json:"last_commit_id"`
	LastCommitSummary string       `json:"last_commit_summary"`
	HadRemoteChanges  bool         `json:"had_remote_changes"`
	HadLocalChanges   bool         `json:"had_local_changes"`
	StashCreated      bool         `json:"stash_created"`
	Restarted         bool         `json:"restarted"`
	CommitID          string       `json:"commit_id,omitempty"`
	CommittedFiles    int          `json:"committed_files"`
	Pushed            bool         `json:"pushed"`
	Outcome           Outcome      `json:"outcome"`
	Notes             []string     `json:"notes"`
	Errors            []StageError `json:"errors,omitempty"`
	DurationMS        int64        `json:"duration_ms"`
}

// Note appends a human-readable note
func (r *SyncReport) Note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// Fail records err against stage and downgrades the outcome to at least PartialFailure
func (r *SyncReport) Fail(stage string, err error) {
	r.Errors = append(r.Errors, NewStageError(stage, err))
	if r.Outcome == Completed || r.Outcome == "" {
		r.Outcome = PartialFailure
	}
}

// Abort records err against stage and marks the cycle Failed
func (r *SyncReport) Abort(stage string, err error) {
	r.Errors = append(r.Errors, NewStageError(stage, err))
	r.Outcome = Failed
}

// ErrorKinds returns the fault kinds recorded on the report, in order
func (r *SyncReport) ErrorKinds() []fault.Kind {
	kinds := make([]fault.Kind, 0, len(r.Errors))
	for _, e := range r.Errors {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// GitState identifies the repository state a backup was taken at
type GitState struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// SystemState is a point-in-time view of host resources
type SystemState struct {
	Hostname     string `json:"hostname"`
	DiskTotal    uint64 `json:"disk_total"`
	DiskFree     uint64 `json:"disk_free"`
	MemTotal     uint64 `json:"mem_total"`
	MemAvailable uint64 `json:"mem_available"`
	Goroutines   int    `json:"goroutines"`
}

// BackupSummary is the record of one backup cycle
type BackupSummary struct {
	BackupID       string         `json:"backup_id"`
	Timestamp      time.Time      `json:"timestamp"`
	TotalSize      int64          `json:"total_size"`
	Buckets        map[string]int `json:"buckets"`
	Captured       map[string]int `json:"captured"`
	Pruned         map[string]int `json:"pruned"`
	Git            GitState       `json:"git"`
	System         SystemState    `json:"system"`
	ServiceRunning bool           `json:"service_running"`
	Published      bool           `json:"published"`
	CommitID       string         `json:"commit_id,omitempty"`
	Outcome        Outcome        `json:"outcome"`
	Errors         []StageError   `json:"errors,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
}

// Fail records a best-effort step failure
func (b *BackupSummary) Fail(stage string, err error) {
	b.Errors = append(b.Errors, NewStageError(stage, err))
	if b.Outcome == Completed || b.Outcome == "" {
		b.Outcome = PartialFailure
	}
}

// ErrNoRecord is returned when no cycle of the requested kind has been recorded yet
var ErrNoRecord = errors.New("no record yet")
