// Package local is a directory/file-backed reference implementation of
// storage.Driver: qcow2/raw volumes living as plain files under a pool root,
// with JSON sidecar metadata recording the snapshot chain. It is
// illustrative grounding for the storage.Driver contract, not a general
// storage subsystem (Non-goal, spec §1).
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/ghodss/yaml"

	"github.com/vmnode/vmcore/lib/storage"
)

// PoolConfig is the storage.cfg-equivalent registry of local pools, parsed
// from YAML.
type PoolConfig struct {
	Pools map[string]storage.Config `json:"pools"`
}

// LoadPoolConfig reads a YAML pool registry file.
func LoadPoolConfig(path string) (PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PoolConfig{}, err
	}
	var cfg PoolConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PoolConfig{}, fmt.Errorf("parse pool config: %w", err)
	}
	return cfg, nil
}

// volumeMeta is the JSON sidecar recording a volume's snapshot chain and
// format, following the teacher's load/save-metadata pattern.
type volumeMeta struct {
	Format    string                        `json:"format"`
	SizeBytes int64                         `json:"size_bytes"`
	Chain     map[string]storage.ChainEntry `json:"chain,omitempty"`
}

// Driver implements storage.Driver over a local directory tree.
type Driver struct {
	root  string
	pools PoolConfig

	mu   sync.Mutex
	meta map[string]*volumeMeta // volid -> metadata, cached
}

var _ storage.Driver = (*Driver)(nil)

// New returns a local Driver rooted at dir, using the given pool registry.
func New(dir string, pools PoolConfig) *Driver {
	return &Driver{root: dir, pools: pools, meta: make(map[string]*volumeMeta)}
}

func (d *Driver) ParseVolumeID(volid string) (storeid, name string, isPath bool) {
	if strings.HasPrefix(volid, "/") {
		return "", volid, true
	}
	storeid, name, ok := strings.Cut(volid, ":")
	if !ok {
		return "", volid, true
	}
	return storeid, name, false
}

func (d *Driver) volumeDir(storeid, name string) (string, error) {
	return securejoin.SecureJoin(d.root, filepath.Join(storeid, name))
}

func (d *Driver) volumeFile(volid string) (string, error) {
	storeid, name, isPath := d.ParseVolumeID(volid)
	if isPath {
		return name, nil
	}
	return d.volumeDir(storeid, name)
}

func (d *Driver) metaFile(volid string) (string, error) {
	f, err := d.volumeFile(volid)
	if err != nil {
		return "", err
	}
	return f + ".meta.json", nil
}

func (d *Driver) loadMeta(volid string) (*volumeMeta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.meta[volid]; ok {
		return m, nil
	}
	path, err := d.metaFile(volid)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m := &volumeMeta{Format: "qcow2", Chain: map[string]storage.ChainEntry{}}
		d.meta[volid] = m
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	var m volumeMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata for %s: %w", volid, err)
	}
	if m.Chain == nil {
		m.Chain = map[string]storage.ChainEntry{}
	}
	d.meta[volid] = &m
	return &m, nil
}

func (d *Driver) saveMeta(volid string, m *volumeMeta) error {
	path, err := d.metaFile(volid)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	d.mu.Lock()
	d.meta[volid] = m
	d.mu.Unlock()
	return nil
}

func (d *Driver) Path(ctx context.Context, volid string, snap string) (string, error) {
	base, err := d.volumeFile(volid)
	if err != nil {
		return "", err
	}
	if snap == "" {
		return base, nil
	}
	return base + "@" + snap, nil
}

func (d *Driver) StorageConfig(ctx context.Context, storeid string) (storage.Config, error) {
	cfg, ok := d.pools.Pools[storeid]
	if !ok {
		return storage.Config{}, fmt.Errorf("unknown storage %q", storeid)
	}
	return cfg, nil
}

func (d *Driver) VolumeSnapshot(ctx context.Context, volid, snap string) error {
	m, err := d.loadMeta(volid)
	if err != nil {
		return err
	}
	if snap == "current" {
		return fmt.Errorf("snapshot name %q is reserved", snap)
	}
	if _, exists := m.Chain[snap]; exists {
		return fmt.Errorf("snapshot %s already exists for %s", snap, volid)
	}
	base, err := d.volumeFile(volid)
	if err != nil {
		return err
	}
	src, err := d.Path(ctx, volid, "")
	if err != nil {
		return err
	}
	dst, err := d.Path(ctx, volid, snap)
	if err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}
	m.Chain[snap] = storage.ChainEntry{File: dst, Size: m.SizeBytes}
	if err := d.saveMeta(volid, m); err != nil {
		return err
	}
	// Preallocate a fresh "current" file backed by the snapshot; the actual
	// qcow2 backing-file wiring is QEMU's job for mixed-method volumes
	// (lib/volumechain), this driver only performs the rename + placeholder.
	if f, err := os.Create(base); err == nil {
		f.Close()
	}
	return nil
}

func (d *Driver) VolumeSnapshotDelete(ctx context.Context, volid, snap string, running bool) error {
	m, err := d.loadMeta(volid)
	if err != nil {
		return err
	}
	entry, ok := m.Chain[snap]
	if !ok {
		return fmt.Errorf("snapshot %s not found for %s", snap, volid)
	}
	if err := os.Remove(entry.File); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(m.Chain, snap)
	return d.saveMeta(volid, m)
}

func (d *Driver) VolumeSnapshotRollback(ctx context.Context, volid, snap string) error {
	m, err := d.loadMeta(volid)
	if err != nil {
		return err
	}
	entry, ok := m.Chain[snap]
	if !ok {
		return fmt.Errorf("snapshot %s not found for %s", snap, volid)
	}
	cur, err := d.Path(ctx, volid, "")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(entry.File)
	if err != nil {
		return err
	}
	return os.WriteFile(cur, data, 0644)
}

func (d *Driver) VolumeRollbackIsPossible(ctx context.Context, volid, snap string) (bool, []string, error) {
	m, err := d.loadMeta(volid)
	if err != nil {
		return false, nil, err
	}
	if _, ok := m.Chain[snap]; !ok {
		return false, []string{fmt.Sprintf("snapshot %s does not exist", snap)}, nil
	}
	var blockers []string
	for name, entry := range m.Chain {
		if name != snap && entry.Parent == snap {
			blockers = append(blockers, fmt.Sprintf("snapshot %s depends on %s", name, snap))
		}
	}
	return len(blockers) == 0, blockers, nil
}

func (d *Driver) VolumeSnapshotInfo(ctx context.Context, volid string) (map[string]storage.ChainEntry, error) {
	m, err := d.loadMeta(volid)
	if err != nil {
		return nil, err
	}
	return m.Chain, nil
}

func (d *Driver) VolumeSizeInfo(ctx context.Context, volid string) (int64, error) {
	path, err := d.volumeFile(volid)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (d *Driver) VdiskAlloc(ctx context.Context, storeid, vmid, format, name string, sizeKB int64) (string, error) {
	if name == "" {
		name = fmt.Sprintf("vm-%s-disk-%d.%s", vmid, sizeKB, format)
	}
	dir, err := d.volumeDir(storeid, "")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	volid := fmt.Sprintf("%s:%s", storeid, name)
	path, err := d.volumeFile(volid)
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := f.Truncate(sizeKB * 1024); err != nil {
		return "", err
	}
	meta := &volumeMeta{Format: format, SizeBytes: sizeKB * 1024, Chain: map[string]storage.ChainEntry{}}
	if err := d.saveMeta(volid, meta); err != nil {
		return "", err
	}
	return volid, nil
}

func (d *Driver) VdiskFree(ctx context.Context, volid string) error {
	path, err := d.volumeFile(volid)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	metaPath, err := d.metaFile(volid)
	if err == nil {
		os.Remove(metaPath)
	}
	d.mu.Lock()
	delete(d.meta, volid)
	d.mu.Unlock()
	return nil
}

func (d *Driver) VolumeQemuSnapshotMethod(ctx context.Context, volid string) (storage.SnapshotMethod, error) {
	m, err := d.loadMeta(volid)
	if err != nil {
		return "", err
	}
	if m.Format == "qcow2" {
		return storage.MethodMixed, nil
	}
	return storage.MethodStorage, nil
}

func (d *Driver) VolumeHasFeature(ctx context.Context, feature storage.Feature, volid, snap string, running bool) (bool, error) {
	switch feature {
	case storage.FeatureSnapshot:
		m, err := d.loadMeta(volid)
		if err != nil {
			return false, err
		}
		return m.Format == "qcow2" || m.Format == "raw", nil
	case storage.FeatureClone:
		return true, nil
	case storage.FeatureSnapshotAsVolChain:
		return false, nil
	default:
		return false, nil
	}
}

func (d *Driver) ActivateVolumes(ctx context.Context, volids []string, snap string) error {
	for _, v := range volids {
		path, err := d.Path(ctx, v, snap)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("activate %s: %w", v, err)
		}
	}
	return nil
}

func (d *Driver) DeactivateVolumes(ctx context.Context, volids []string) error {
	return nil
}

func (d *Driver) SupportsDirectIO(ctx context.Context, storeid string) bool {
	cfg, ok := d.pools.Pools[storeid]
	if !ok {
		return false
	}
	return cfg.Type == "dir" || cfg.Type == "lvm" || cfg.Type == "zfs"
}
