// Package volumechain rewires the live QEMU block graph across external
// qcow2 snapshot chain mutations: create (current -> snap), commit
// (src_snap -> base), and stream (parent -> target, for deleting an
// intermediate snapshot). Used for storage pools whose
// VolumeQemuSnapshotMethod is storage.MethodMixed, where the storage layer
// performs the rename/prealloc and QEMU performs the graph reopen.
package volumechain

import (
	"context"
	"encoding/json"

	"github.com/vmnode/vmcore/lib/blockdev"
	"github.com/vmnode/vmcore/lib/blockjob"
	"github.com/vmnode/vmcore/lib/drive"
	"github.com/vmnode/vmcore/lib/qmp"
	"github.com/vmnode/vmcore/lib/storage"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// cmder is the subset of *qmp.Client the chain manager needs.
type cmder interface {
	Cmd(peerType qmp.PeerType, execute string, arguments map[string]any) (json.RawMessage, error)
}

// graph is the subset of *blockdev.Graph the chain manager needs.
type graph interface {
	Attach(driveID, volid string, d drive.Drive, opts blockdev.Options) (string, error)
	Detach(nodeName string) error
}

// Nodes names the currently-attached node-name triple for one drive's top.
type Nodes struct {
	Top    string
	Format string
	File   string
}

// Chain wires storage-side chain mutation with the live block-node graph.
type Chain struct {
	vm    cmder
	g     graph
	store storage.Driver
	mon   *blockjob.Monitor
}

// New returns a Chain manager for one VM.
func New(vm cmder, g graph, store storage.Driver, mon *blockjob.Monitor) *Chain {
	return &Chain{vm: vm, g: g, store: store, mon: mon}
}

// CreateSnapshot performs external-snapshot create (current -> snap) per
// spec §4.6: rename current to vol@snap, preallocate and attach a new
// current with backing=null, blockdev-snapshot reopen so live writes move to
// the new top, then detach the old nodes.
func (c *Chain) CreateSnapshot(ctx context.Context, driveID, deviceID string, d drive.Drive, volid, snap string, cur Nodes, opts blockdev.Options) (Nodes, error) {
	if err := c.store.VolumeSnapshot(ctx, volid, snap); err != nil {
		return Nodes{}, vmerr.Wrap(vmerr.StorageFailure, "volume-snapshot", err)
	}

	path, err := c.store.Path(ctx, volid, "")
	if err != nil {
		return Nodes{}, vmerr.Wrap(vmerr.StorageFailure, "path", err)
	}

	newOpts := opts
	newOpts.FilePath = path
	newOpts.ForceNullBacking = true
	// Tag the new current with the snap name so its node-name hash cannot
	// collide with the old current, which is still attached under the same
	// (driveID, volid, "") identity until the detach below.
	newOpts.SnapshotName = snap

	newTop, err := c.g.Attach(driveID, volid, d, newOpts)
	if err != nil {
		return Nodes{}, err
	}
	newFormat := blockdev.FormatNodeName(driveID, volid, snap)
	newFile := blockdev.FileNodeName(driveID, volid, snap)

	if _, err := c.vm.Cmd(qmp.PeerQMP, "blockdev-snapshot", map[string]any{
		"node":    cur.Format,
		"overlay": newFormat,
	}); err != nil {
		c.g.Detach(newTop)
		return Nodes{}, vmerr.Wrap(vmerr.CommandError, "blockdev-snapshot", err)
	}

	if err := c.g.Detach(cur.Top); err != nil {
		return Nodes{}, vmerr.Wrap(vmerr.DelFailed, "detach former current", err)
	}

	_ = deviceID // device identity unchanged across the reopen; kept for caller bookkeeping
	return Nodes{Top: newTop, Format: newFormat, File: newFile}, nil
}

// Commit starts block-commit(src_snap -> base:target_snap). Completion mode
// is ModeComplete when src is the live current (readers must be switched to
// the base node), else ModeAuto. A commit whose source and base are the
// same node is refused with an UnsupportedFeat error. The caller drives the
// returned job to conclusion via a blockjob.Monitor, then calls
// FinalizeCommit.
func (c *Chain) Commit(deviceID, srcSnap, srcFormatNode, baseFormatNode string) (*blockjob.Job, error) {
	if srcFormatNode == baseFormatNode {
		return nil, vmerr.New(vmerr.UnsupportedFeat, "cannot commit "+srcSnap+" onto itself")
	}
	mode := blockjob.ModeAuto
	if srcSnap == "current" {
		mode = blockjob.ModeComplete
	}

	jobID := "commit-" + deviceID
	args := map[string]any{
		"base-node":     baseFormatNode,
		"top-node":      srcFormatNode,
		"job-id":        jobID,
		"auto-dismiss":  false,
	}
	if _, err := c.vm.Cmd(qmp.PeerQMP, "block-commit", args); err != nil {
		return nil, vmerr.Wrap(vmerr.JobFailed, "block-commit", err)
	}

	job := &blockjob.Job{
		JobID:          jobID,
		DeviceID:       deviceID,
		Kind:           blockjob.KindCommit,
		SourceNodeName: srcFormatNode,
		TargetNodeName: baseFormatNode,
		DetachNodeName: srcFormatNode,
		Completion:     mode,
	}
	c.mon.Track(job)
	return job, nil
}

// FinalizeCommit runs after a commit job has concluded successfully: it
// detaches the now-unused source snapshot's nodes and frees the
// storage-side snapshot. If the commit was not against the live top
// (mode==auto), it also persists the backing-file pointer update in the
// base's qcow2 metadata via change-backing-file.
func (c *Chain) FinalizeCommit(ctx context.Context, job *blockjob.Job, volid, srcSnap string, nonTopDeviceID, relBackingPath string) error {
	if err := c.g.Detach(job.SourceNodeName); err != nil {
		return vmerr.Wrap(vmerr.DelFailedButGone, "detach committed snapshot", err)
	}
	if srcSnap != "current" && nonTopDeviceID != "" {
		if err := c.ChangeBackingFile(nonTopDeviceID, job.TargetNodeName, relBackingPath); err != nil {
			return err
		}
	}
	if err := c.store.VolumeSnapshotDelete(ctx, volid, srcSnap, true); err != nil {
		return vmerr.Wrap(vmerr.StorageFailure, "volume-snapshot-delete", err)
	}
	return nil
}

// Stream starts block-stream(parent -> target), used to delete an
// intermediate snapshot by pulling its data into target without waiting on
// every ancestor. Always completes on its own (ModeAuto).
func (c *Chain) Stream(deviceID, targetFormatNode, parentFormatNode, parentRelPath string) (*blockjob.Job, error) {
	jobID := "stream-" + deviceID
	args := map[string]any{
		"device":        targetFormatNode,
		"base-node":     parentFormatNode,
		"backing-file":  parentRelPath,
		"job-id":        jobID,
		"auto-dismiss":  false,
	}
	if _, err := c.vm.Cmd(qmp.PeerQMP, "block-stream", args); err != nil {
		return nil, vmerr.Wrap(vmerr.JobFailed, "block-stream", err)
	}

	job := &blockjob.Job{
		JobID:          jobID,
		DeviceID:       deviceID,
		Kind:           blockjob.KindStream,
		SourceNodeName: parentFormatNode,
		TargetNodeName: targetFormatNode,
		DetachNodeName: parentFormatNode,
		Completion:     blockjob.ModeAuto,
	}
	c.mon.Track(job)
	return job, nil
}

// FinalizeStream runs after a stream job concluded: detaches the now-unused
// intermediate snapshot's nodes and frees the storage-side snapshot.
func (c *Chain) FinalizeStream(ctx context.Context, job *blockjob.Job, volid, parentSnap string) error {
	if err := c.g.Detach(job.SourceNodeName); err != nil {
		return vmerr.Wrap(vmerr.DelFailedButGone, "detach streamed parent", err)
	}
	if err := c.store.VolumeSnapshotDelete(ctx, volid, parentSnap, true); err != nil {
		return vmerr.Wrap(vmerr.StorageFailure, "volume-snapshot-delete", err)
	}
	return nil
}

// ChangeBackingFile persists a new backing-file pointer into a qcow2 node's
// on-disk metadata, the qcow2-metadata half of blockdev-replace-style
// encapsulation described in spec §4.6.
func (c *Chain) ChangeBackingFile(deviceID, imageNodeName, backingFile string) error {
	_, err := c.vm.Cmd(qmp.PeerQMP, "change-backing-file", map[string]any{
		"device":          deviceID,
		"image-node-name": imageNodeName,
		"backing-file":    backingFile,
	})
	if err != nil {
		return vmerr.Wrap(vmerr.CommandError, "change-backing-file", err)
	}
	return nil
}

// RelativeBackingPath derives the backing-file value block-stream/
// change-backing-file expect: a path relative to the child image's
// directory, falling back to the absolute path if the parent isn't nested
// under it.
func RelativeBackingPath(parentPath, childDir string) string {
	if len(parentPath) > len(childDir) && parentPath[:len(childDir)] == childDir {
		rel := parentPath[len(childDir):]
		for len(rel) > 0 && rel[0] == '/' {
			rel = rel[1:]
		}
		return rel
	}
	return parentPath
}
