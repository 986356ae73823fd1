// Package blockdev builds and mutates the QEMU block-node graph
// (throttle -> format -> file) through the blockdev-add/-del QMP API, with
// deterministic node-name hashing so attach/detach is idempotent and
// cross-references in logs stay stable.
package blockdev

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NodeKind is the 1-character type prefix on a generated node name.
type NodeKind byte

const (
	KindFormat     NodeKind = 'f'
	KindFile       NodeKind = 'e'
	KindAllocTrack NodeKind = 'a'
	KindZeroInit   NodeKind = 'z'
)

// NodeName derives a deterministic node-name: a SHA-256 hash of
// "drive=<id>,snap=<snap>,volid=<volid>" truncated to 30 hex characters,
// prefixed with the 1-character kind tag. Deterministic in driveID, volid,
// and snap alone — nothing else may influence it, so repeated attach/detach
// of the same drive always produces the same name.
func NodeName(kind NodeKind, driveID, volid, snap string) string {
	input := fmt.Sprintf("drive=%s,snap=%s,volid=%s", driveID, snap, volid)
	sum := sha256.Sum256([]byte(input))
	return string(kind) + hex.EncodeToString(sum[:])[:30]
}

// TopNodeName returns the stable top-node name for a drive, e.g. "drive-scsi0".
func TopNodeName(driveID string) string {
	return "drive-" + driveID
}

// ThrottleGroupName returns the throttle-group object name for a drive.
func ThrottleGroupName(driveID string) string {
	return "throttle-drive-" + driveID
}

// FormatNodeName returns the deterministic format-node name for a
// (driveID, volid, snap) triple without building the full tree — used by
// callers (lib/volumechain) that need to reference a node that may or may
// not currently be attached.
func FormatNodeName(driveID, volid, snap string) string {
	return NodeName(KindFormat, driveID, volid, snap)
}

// FileNodeName is FormatNodeName's file-node counterpart.
func FileNodeName(driveID, volid, snap string) string {
	return NodeName(KindFile, driveID, volid, snap)
}

// ParseTopNodeDriveID extracts the drive id from a top node name, or ("",
// false) if name is not a top node.
func ParseTopNodeDriveID(name string) (string, bool) {
	const prefix = "drive-"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return "", false
	}
	return name[len(prefix):], true
}
