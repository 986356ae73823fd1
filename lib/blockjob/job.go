// Package blockjob drives QEMU's asynchronous block jobs (drive-mirror /
// blockdev-mirror / block-commit / block-stream) with auto-dismiss=false, a
// bounded one-second polling loop, and the four completion modes
// (complete/cancel/skip/auto). Deliberately a plain loop, not async/await:
// the scheduling unit is the worker process and the blocking step is a
// single QMP call per tick (see SPEC_FULL.md Design Notes).
package blockjob

import (
	"encoding/json"

	"github.com/vmnode/vmcore/lib/qmp"
)

// Kind names the block-job type.
type Kind string

const (
	KindMirror Kind = "mirror"
	KindCommit Kind = "commit"
	KindStream Kind = "stream"
	KindBackup Kind = "backup"
)

// CompletionMode selects how Monitor finishes a tracked job once ready.
type CompletionMode string

const (
	// ModeComplete waits for ready, then block-job-complete: switches the
	// device to the target and detaches the source. Default for mirror
	// within the same VM.
	ModeComplete CompletionMode = "complete"
	// ModeCancel waits for ready, then block-job-cancel, detaching the
	// target. Used moving to a different VM, or on rollback.
	ModeCancel CompletionMode = "cancel"
	// ModeSkip waits for ready and returns; caller completes later (live
	// migration cutover).
	ModeSkip CompletionMode = "skip"
	// ModeAuto waits until the job disappears on its own (commit/stream that
	// complete themselves when not committing the live current node).
	ModeAuto CompletionMode = "auto"
)

// Job is the durable in-memory record of a tracked block job, matching
// spec §3's "Block job" entity. Never persisted across a VM restart.
type Job struct {
	JobID          string
	DeviceID       string
	Kind           Kind
	SourceNodeName string
	TargetNodeName string
	DetachNodeName string // which node to blockdev-del on conclusion; "" if none

	Completion CompletionMode

	// completionSent records whether our completion command (complete or
	// cancel) was already accepted by QEMU, used to distinguish "job
	// disappeared because we completed it" from "job disappeared
	// unexpectedly" per spec §4.5.
	completionSent bool
	ready          bool
	busy           bool
	offset         int64
	length         int64
}

// Ready reports whether QEMU last reported this job as ready for cutover.
func (j *Job) Ready() bool { return j.ready }

// Progress returns the last observed offset/length pair.
func (j *Job) Progress() (offset, length int64) { return j.offset, j.length }

type blockJobInfo struct {
	Device string `json:"device"`
	Type   string `json:"type"`
	Status string `json:"status"` // created, running, ready, standby, paused, pending, aborting, concluded
	Ready  bool   `json:"ready"`
	Busy   bool   `json:"busy"`
	Offset int64  `json:"offset"`
	Len    int64  `json:"len"`
	Error  string `json:"error"`
}

// cmder is the subset of *qmp.Client the monitor needs.
type cmder interface {
	Cmd(peerType qmp.PeerType, execute string, arguments map[string]any) (json.RawMessage, error)
}
