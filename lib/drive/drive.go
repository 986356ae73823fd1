// Package drive parses and prints the drive property-string format used in
// a VM's persisted configuration (scsiN/ideN/sataN/virtioN = <volref>[,k=v]*)
// and derives the cache/aio/discard/detect-zeroes semantics the block-device
// graph (lib/blockdev) needs.
//
// Grounded on the qcli BlockDevice property model: a flat, tagged struct with
// a deterministic property-string printer, and validation of the handful of
// fields that interact (bus/index, cache vs. direct-io).
package drive

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
)

// Interface names the bus a drive is attached to.
type Interface string

const (
	InterfaceSCSI   Interface = "scsi"
	InterfaceIDE    Interface = "ide"
	InterfaceSATA   Interface = "sata"
	InterfaceVirtio Interface = "virtio"
)

// Media classifies the drive as a disk or an optical drive.
type Media string

const (
	MediaDisk   Media = "disk"
	MediaCDROM  Media = "cdrom"
)

// CacheMode mirrors QEMU's block-node cache modes.
type CacheMode string

const (
	CacheNone       CacheMode = "none"
	CacheWriteThrough CacheMode = "writethrough"
	CacheWriteBack  CacheMode = "writeback"
	CacheDirectSync CacheMode = "directsync"
	CacheUnsafe     CacheMode = "unsafe"
)

// AIOMode mirrors QEMU's block-node aio backends.
type AIOMode string

const (
	AIOIOUring AIOMode = "io_uring"
	AIONative  AIOMode = "native"
	AIOThreads AIOMode = "threads"
)

// DiscardMode is the guest-facing discard/TRIM policy.
type DiscardMode string

const (
	DiscardOn     DiscardMode = "on"
	DiscardIgnore DiscardMode = "ignore"
)

// Drive is a parsed drive option value.
type Drive struct {
	Interface Interface
	Index     int

	// File is the volume reference: "<storage>:<name>", an absolute path,
	// "cdrom", or "none" (empty tray).
	File string

	Format      string
	Media       Media
	Cache       CacheMode
	AIO         AIOMode
	Discard     DiscardMode
	DetectZeroes string // "off" | "on" | "unmap"
	SSD         bool
	RO          bool
	IOThread    bool
	Serial      string
	Model       string
	Size        uint64 // bytes; 0 if unspecified

	// Bandwidth limits, all optional (0 = unset), as written in the config:
	// mbps in MB/s (float, converted to bytes/s only when the throttle group
	// is built), iops in ops/s.
	MBpsRead      float64
	MBpsWrite     float64
	MBpsReadMax   float64
	MBpsWriteMax  float64
	IOPSRead      uint64
	IOPSWrite     uint64
	IOPSReadMax   uint64
	IOPSWriteMax  uint64
}

// IsCDROM reports whether this drive should be treated as an optical drive:
// media=cdrom, file=cdrom, or a volume reference ending in ".iso".
func (d Drive) IsCDROM() bool {
	return d.Media == MediaCDROM || d.File == "cdrom" || strings.HasSuffix(d.File, ".iso")
}

// ReadOnlyFromGuest reports whether the guest should see this drive as
// read-only: ro=on, cdrom, or an explicit override.
func (d Drive) ReadOnlyFromGuest(override bool) bool {
	return d.RO || d.IsCDROM() || override
}

// ResolveAIO returns the aio mode to use for the file-class node. The
// default depends on cache mode and whether the underlying storage supports
// direct I/O (O_DIRECT); it applies only to file-class drivers, never to
// network protocols like rbd/nbd.
func (d Drive) ResolveAIO(storageSupportsDirectIO bool) AIOMode {
	if d.AIO != "" {
		return d.AIO
	}
	if d.Cache == CacheNone && storageSupportsDirectIO {
		return AIOIOUring
	}
	return AIOThreads
}

// FileNodeDiscard maps the guest-facing discard setting to the file node's
// discard property.
func (d Drive) FileNodeDiscard() string {
	if d.Discard == DiscardOn {
		return "unmap"
	}
	return "ignore"
}

// detectZeroesTable documents the (discard, detect-zeroes) -> node setting
// mapping. A combination producing "unmap" detect-zeroes without discard=on
// would silently lose the unmap behavior, so it is rejected by Validate.
var detectZeroesTable = map[string]map[string]string{
	string(DiscardOn): {
		"off": "off", "on": "on", "unmap": "unmap",
	},
	string(DiscardIgnore): {
		"off": "off", "on": "on",
	},
}

// Validate checks the handful of fields that interact: bus/index range,
// and the detect-zeroes/discard combination.
func (d Drive) Validate() error {
	if err := validateBusIndex(d.Interface, d.Index); err != nil {
		return err
	}
	dz := d.DetectZeroes
	if dz == "" {
		dz = "off"
	}
	table, ok := detectZeroesTable[string(d.Discard)]
	if !ok {
		table = detectZeroesTable[string(DiscardIgnore)]
	}
	if _, ok := table[dz]; !ok {
		return fmt.Errorf("detect-zeroes=%s requires discard=on (node-level detect-zeroes would be lost)", dz)
	}
	return nil
}

func validateBusIndex(iface Interface, index int) error {
	var max int
	switch iface {
	case InterfaceSCSI:
		max = 256
	case InterfaceSATA:
		max = 5
	case InterfaceIDE:
		max = 3
	case InterfaceVirtio:
		max = 15
	default:
		return fmt.Errorf("unknown interface %q", iface)
	}
	if index < 0 || index > max {
		return fmt.Errorf("%s index %d out of range [0,%d]", iface, index, max)
	}
	return nil
}

// BusIndex derives the (bus, unit) pair QEMU's -device needs for this
// drive's interface. For q35 IDE/SATA, unit is forced to 0 and the
// controller index doubles for odd drive indices, matching legacy PC
// back-compat addressing.
func (d Drive) BusIndex(q35 bool) (bus, unit int) {
	switch d.Interface {
	case InterfaceIDE, InterfaceSATA:
		if q35 {
			return d.Index / 2, 0
		}
		return d.Index / 2, d.Index % 2
	default:
		return d.Index, 0
	}
}

// ID returns the config-key form, e.g. "scsi0".
func (d Drive) ID() string {
	return fmt.Sprintf("%s%d", d.Interface, d.Index)
}

// Parse parses a property-string drive value, e.g.
// "local-lvm:vm-100-disk-0,cache=writeback,discard=on,size=32G".
// id is the config key the value was read from (e.g. "scsi0"), used to
// derive Interface/Index.
func Parse(id, value string) (Drive, error) {
	iface, index, err := splitID(id)
	if err != nil {
		return Drive{}, err
	}

	parts := strings.Split(value, ",")
	if len(parts) == 0 || parts[0] == "" {
		return Drive{}, fmt.Errorf("empty drive value for %s", id)
	}

	d := Drive{Interface: iface, Index: index, File: parts[0], Media: MediaDisk}

	for _, kv := range parts[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Drive{}, fmt.Errorf("malformed option %q in %s", kv, id)
		}
		if err := d.setOption(k, v); err != nil {
			return Drive{}, fmt.Errorf("%s: %w", id, err)
		}
	}

	if d.File == "cdrom" {
		d.Media = MediaCDROM
	}
	if err := d.Validate(); err != nil {
		return Drive{}, err
	}
	return d, nil
}

func (d *Drive) setOption(k, v string) error {
	switch k {
	case "format":
		d.Format = v
	case "media":
		d.Media = Media(v)
	case "cache":
		d.Cache = CacheMode(v)
	case "aio":
		d.AIO = AIOMode(v)
	case "discard":
		d.Discard = DiscardMode(v)
	case "detect-zeroes":
		d.DetectZeroes = v
	case "ssd":
		d.SSD = v == "1" || v == "on"
	case "ro":
		d.RO = v == "1" || v == "on"
	case "iothread":
		d.IOThread = v == "1" || v == "on"
	case "serial":
		d.Serial = v
	case "model":
		d.Model = v
	case "size":
		sz, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("size: %w", err)
		}
		d.Size = sz
	case "mbps_rd":
		d.MBpsRead = parseFloat(v)
	case "mbps_wr":
		d.MBpsWrite = parseFloat(v)
	case "mbps_rd_max":
		d.MBpsReadMax = parseFloat(v)
	case "mbps_wr_max":
		d.MBpsWriteMax = parseFloat(v)
	case "iops_rd":
		d.IOPSRead, _ = strconv.ParseUint(v, 10, 64)
	case "iops_wr":
		d.IOPSWrite, _ = strconv.ParseUint(v, 10, 64)
	case "iops_rd_max":
		d.IOPSReadMax, _ = strconv.ParseUint(v, 10, 64)
	case "iops_wr_max":
		d.IOPSWriteMax, _ = strconv.ParseUint(v, 10, 64)
	default:
		// Unknown keys are preserved by the caller's section storage, not
		// here; Drive only models the keys the core acts on.
	}
	return nil
}

func parseSize(v string) (uint64, error) {
	var ds datasize.ByteSize
	if err := ds.UnmarshalText([]byte(v)); err != nil {
		return 0, err
	}
	return uint64(ds.Bytes()), nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

func splitID(id string) (Interface, int, error) {
	for _, iface := range []Interface{InterfaceSCSI, InterfaceSATA, InterfaceIDE, InterfaceVirtio} {
		prefix := string(iface)
		if strings.HasPrefix(id, prefix) {
			n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
			if err != nil {
				return "", 0, fmt.Errorf("bad index in %q", id)
			}
			return iface, n, nil
		}
	}
	return "", 0, fmt.Errorf("unrecognized drive id %q", id)
}

// String prints the drive back to its property-string form, deterministically
// ordering options so repeated round-trips are byte-stable.
func (d Drive) String() string {
	var b strings.Builder
	b.WriteString(d.File)

	opts := map[string]string{}
	if d.Format != "" {
		opts["format"] = d.Format
	}
	if d.Media == MediaCDROM {
		opts["media"] = "cdrom"
	}
	if d.Cache != "" {
		opts["cache"] = string(d.Cache)
	}
	if d.AIO != "" {
		opts["aio"] = string(d.AIO)
	}
	if d.Discard != "" {
		opts["discard"] = string(d.Discard)
	}
	if d.DetectZeroes != "" && d.DetectZeroes != "off" {
		opts["detect-zeroes"] = d.DetectZeroes
	}
	if d.SSD {
		opts["ssd"] = "1"
	}
	if d.RO {
		opts["ro"] = "1"
	}
	if d.IOThread {
		opts["iothread"] = "1"
	}
	if d.Serial != "" {
		opts["serial"] = d.Serial
	}
	if d.Model != "" {
		opts["model"] = d.Model
	}
	if d.Size != 0 {
		opts["size"] = datasize.ByteSize(d.Size).String()
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=%s", k, opts[k])
	}
	return b.String()
}
