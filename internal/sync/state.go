package sync

import (
	"log/slog"

	"github.com/schaermu/workersyncd/internal/fault"
	"github.com/schaermu/workersyncd/internal/git"
	"github.com/schaermu/workersyncd/internal/report"
)

// Stage names a step of the reconciliation state machine
type Stage string

const (
	StageIdle            Stage = "idle"
	StageRecovering      Stage = "recovering"
	StageStashing        Stage = "stashing"
	StageFetching        Stage = "fetching"
	StageDivergenceCheck Stage = "divergence_check"
	StagePulling         Stage = "pulling"
	StageRestartDecision Stage = "restart_decision"
	StageRestoring       Stage = "restoring"
	StageCommitting      Stage = "committing"
	StagePushing         Stage = "pushing"
	StageReporting       Stage = "reporting"
)

// StashPrefix starts the label of every stash a cycle creates
const StashPrefix = "workersyncd-cycle-"

// stashTimeFormat renders the cycle start time in stash labels
const stashTimeFormat = "20060102T150405Z"

// cycle carries the state of one reconciliation run between stages
type cycle struct {
	report *report.SyncReport
	logger *slog.Logger
	stage  Stage

	stash         *git.Stash
	stashConsumed bool

	fetched       bool
	remoteMissing bool
	pullFailed    bool
	aborted       bool
	changed       []string
}

func (c *cycle) enter(stage Stage) {
	c.stage = stage
	c.logger.Debug("entering stage", "stage", string(stage))
}

// fail records a stage failure on the report. A failure that is not
// recoverable fails the cycle and skips the stages that depend on it.
func (c *cycle) fail(err error) {
	if !fault.Recoverable(err) {
		c.logger.Error("stage failed unexpectedly", "stage", string(c.stage), "error", err)
		c.report.Abort(string(c.stage), err)
		c.aborted = true
		return
	}
	c.logger.Warn("stage failed", "stage", string(c.stage), "error", err)
	c.report.Fail(string(c.stage), err)
}
