package blockjob

import (
	"fmt"

	"github.com/vmnode/vmcore/lib/qemuver"
	"github.com/vmnode/vmcore/lib/qmp"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// MirrorSpec describes a drive-mirror/blockdev-mirror request for one
// device, as issued by replication or by migration's drive-mirror strategy.
type MirrorSpec struct {
	DeviceID    string
	JobID       string
	SourceNode  string // already-attached top node of the drive being mirrored
	TargetNode  string // node-name of an already blockdev-add'd target
	Sync        string // "full" or "top"
	ReplacesTop bool    // if true, target replaces SourceNode once synced (replaces=<source>)
	Speed       int64   // bytes/sec, 0 = unlimited
}

// StartMirror issues blockdev-mirror (QEMU >= guard.SupportsBlockdev()) or
// the legacy drive-mirror against an already-attached target node, and
// begins tracking the resulting job.
func StartMirror(vm cmder, mon *Monitor, guard qemuver.Guard, spec MirrorSpec) (*Job, error) {
	sync := spec.Sync
	if sync == "" {
		sync = "full"
	}

	args := map[string]any{
		"device":     spec.DeviceID,
		"job-id":     spec.JobID,
		"target":     spec.TargetNode,
		"sync":       sync,
		"auto-finalize": true,
		"auto-dismiss":  false,
	}
	if spec.Speed > 0 {
		args["speed"] = spec.Speed
	}
	execute := "blockdev-mirror"
	if !guard.SupportsBlockdev() {
		execute = "drive-mirror"
		args["mode"] = "existing"
	}
	if spec.ReplacesTop {
		args["replaces"] = spec.SourceNode
	}

	if _, err := vm.Cmd(qmp.PeerQMP, execute, args); err != nil {
		return nil, vmerr.Wrap(vmerr.JobFailed, execute, err)
	}

	job := &Job{
		JobID:          spec.JobID,
		DeviceID:       spec.DeviceID,
		Kind:           KindMirror,
		SourceNodeName: spec.SourceNode,
		TargetNodeName: spec.TargetNode,
		DetachNodeName: spec.TargetNode,
		Completion:     ModeComplete,
	}
	mon.Track(job)
	return job, nil
}

// SwitchToActiveMode transitions a ready background-synced mirror
// (sync="top") into active mode so new guest writes are mirrored
// synchronously, ahead of calling Complete. No-op requirement: job must
// already report ready.
func SwitchToActiveMode(vm cmder, job *Job) error {
	if !job.Ready() {
		return vmerr.New(vmerr.JobFailed, fmt.Sprintf("job %s not ready for active mode", job.JobID))
	}
	_, err := vm.Cmd(qmp.PeerQMP, "block-job-change", map[string]any{
		"id":   job.JobID,
		"type": "mirror",
		"copy-mode": "write-blocking",
	})
	if err != nil {
		return vmerr.Wrap(vmerr.JobFailed, "block-job-change", err)
	}
	return nil
}
