package blockdev

import "github.com/vmnode/vmcore/lib/drive"

// Options mirrors the small options record spec §4.4 attaches to a drive
// when building its blockdev tree.
type Options struct {
	ReadOnly        bool
	Size            uint64 // bytes; only honored for raw, required when truncating
	SnapshotName    string // "" for the live current file
	ZeroInitialized bool
	LiveRestore     bool
	Fleecing        bool
	TPMBackup       bool
	NoThrottle      bool
	QSD             bool

	// StorageDirectIO and StorageSnapshotAsVolChain come from the storage
	// driver for the drive's volume (storage.Driver.SupportsDirectIO /
	// VolumeHasFeature(FeatureSnapshotAsVolChain)).
	StorageDirectIO          bool
	StorageSnapshotAsVolChain bool

	// EFIOnRBD forces cache=writeback for EFI vars on RBD (read-modify-write
	// on SPI flash requires it).
	EFIOnRBD bool

	// FileDriver names the file-class QEMU driver: file, host_device,
	// host_cdrom, rbd, nbd, etc. Defaults to "file".
	FileDriver string
	// FilePath is the path/URL the file-class node opens.
	FilePath string

	// BackingNode, if set, names an already-attached format node this
	// drive's format node should use as its backing file (snapshot chains).
	BackingNode string

	// ForceNullBacking sets backing=null even when SnapshotName=="", used by
	// lib/volumechain when attaching a brand-new current whose backing file
	// must not be auto-opened (it is set later via blockdev-snapshot).
	ForceNullBacking bool
}

// Tree is the JSON-serializable node description passed to blockdev-add.
// It is a plain nested map because QEMU's blockdev-add options vary
// per-driver; callers that need typed access should inspect specific keys.
type Tree map[string]any

// BuildTopTree builds the full throttle -> format -> file tree for a drive's
// top node, per spec §4.4.
func BuildTopTree(d drive.Drive, driveID, volid string, opts Options) (top Tree, formatNode, fileNode string) {
	formatNode = NodeName(KindFormat, driveID, volid, opts.SnapshotName)
	fileNode = NodeName(KindFile, driveID, volid, opts.SnapshotName)

	fileDriver := opts.FileDriver
	if fileDriver == "" {
		fileDriver = "file"
	}

	cache := resolveCache(d, opts)
	readOnly := d.ReadOnlyFromGuest(opts.ReadOnly)

	fileTree := Tree{
		"node-name":  fileNode,
		"driver":     fileDriver,
		"filename":   opts.FilePath,
		"read-only":  readOnly,
		"discard":    d.FileNodeDiscard(),
		"cache":      Tree{"direct": cache == drive.CacheNone || cache == drive.CacheDirectSync, "no-flush": cache == drive.CacheUnsafe},
	}
	if fileDriver == "file" || fileDriver == "host_device" {
		fileTree["aio"] = string(d.ResolveAIO(opts.StorageDirectIO))
	}

	format := d.Format
	if format == "" {
		format = "raw"
	}
	formatTree := Tree{
		"node-name": formatNode,
		"driver":    format,
		"read-only": readOnly,
		"file":      fileTree,
	}
	if opts.BackingNode != "" {
		formatTree["backing"] = opts.BackingNode
	} else if opts.SnapshotName != "" || opts.ForceNullBacking {
		formatTree["backing"] = nil
	}
	if format == "qcow2" && opts.StorageSnapshotAsVolChain {
		formatTree["discard-no-unref"] = true
	}
	if opts.Size != 0 && format == "raw" {
		formatTree["size"] = opts.Size
	}

	if opts.NoThrottle {
		return formatTree, formatNode, fileNode
	}

	top = Tree{
		"node-name":      TopNodeName(driveID),
		"driver":         "throttle",
		"throttle-group": ThrottleGroupName(driveID),
		"file":           formatTree,
	}
	return top, formatNode, fileNode
}

func resolveCache(d drive.Drive, opts Options) drive.CacheMode {
	if opts.EFIOnRBD {
		return drive.CacheWriteBack
	}
	if d.Cache != "" {
		return d.Cache
	}
	return drive.CacheNone
}

// ThrottleGroupObject builds the object-add body for a drive's throttle
// group, rebuilt fresh on each attach from the drive's parsed rate limits.
func ThrottleGroupObject(driveID string, d drive.Drive) Tree {
	limits := Tree{}
	if d.MBpsRead != 0 {
		limits["bps-read"] = int64(d.MBpsRead * 1e6)
	}
	if d.MBpsWrite != 0 {
		limits["bps-write"] = int64(d.MBpsWrite * 1e6)
	}
	if d.IOPSRead != 0 {
		limits["iops-read"] = d.IOPSRead
	}
	if d.IOPSWrite != 0 {
		limits["iops-write"] = d.IOPSWrite
	}
	return Tree{
		"qom-type": "throttle-group",
		"id":       ThrottleGroupName(driveID),
		"limits":   limits,
	}
}
