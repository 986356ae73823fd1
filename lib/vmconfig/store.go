package vmconfig

import (
	"os"
	"path/filepath"

	"github.com/vmnode/vmcore/lib/filelock"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// pathResolver is the subset of *paths.Paths the store needs.
type pathResolver interface {
	ConfigFile(vmid string) (string, error)
	ConfigTempFile(vmid string) (string, error)
}

// Store loads, writes, and locks one node's VM configuration files.
type Store struct {
	paths pathResolver
}

// NewStore returns a Store rooted at the given path resolver.
func NewStore(p pathResolver) *Store {
	return &Store{paths: p}
}

// LockConfig acquires vmid's cooperative file lock, runs fn, and guarantees
// release on every exit path (including panics propagating out of fn).
func (s *Store) LockConfig(vmid string, fn func() error) error {
	cfgPath, err := s.paths.ConfigFile(vmid)
	if err != nil {
		return vmerr.Wrap(vmerr.ConfigWrite, "resolve config path", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o750); err != nil {
		return vmerr.Wrap(vmerr.ConfigWrite, "create config directory", err)
	}
	lock, err := filelock.Acquire(cfgPath + ".lck")
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

// Load parses vmid's config file and computes its digest.
func (s *Store) Load(vmid string) (*Config, error) {
	path, err := s.paths.ConfigFile(vmid)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.ConfigWrite, "resolve config path", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vmerr.Wrap(vmerr.NotRunning, "config not found for "+vmid, err)
		}
		return nil, vmerr.Wrap(vmerr.ConfigWrite, "read config", err)
	}
	return Parse(vmid, data)
}

// Write serializes cfg and atomically renames it into place. If
// expectedDigest is non-empty, the on-disk config (if any) must match it or
// the write fails with a DigestMismatch — spec §3 invariant 5 / §4.8's
// "checksum mismatch". Must be called inside LockConfig.
func (s *Store) Write(cfg *Config, expectedDigest string) error {
	if expectedDigest != "" {
		onDisk, err := s.Load(cfg.VMID)
		if err == nil && onDisk.Digest != expectedDigest {
			return vmerr.New(vmerr.DigestMismatch, "checksum mismatch")
		}
		if err != nil && vmerr.KindOf(err) != vmerr.NotRunning {
			return err
		}
	}

	path, err := s.paths.ConfigFile(cfg.VMID)
	if err != nil {
		return vmerr.Wrap(vmerr.ConfigWrite, "resolve config path", err)
	}
	tmp, err := s.paths.ConfigTempFile(cfg.VMID)
	if err != nil {
		return vmerr.Wrap(vmerr.ConfigWrite, "resolve temp config path", err)
	}

	if err := os.MkdirAll(filepath.Dir(tmp), 0o750); err != nil {
		return vmerr.Wrap(vmerr.ConfigWrite, "create config directory", err)
	}

	data := Serialize(cfg)
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return vmerr.Wrap(vmerr.ConfigWrite, "write temp config", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return vmerr.Wrap(vmerr.ConfigWrite, "rename config into place", err)
	}

	cfg.Digest = ComputeDigest(cfg.Current)
	return nil
}

// Exists reports whether vmid has a persisted configuration.
func (s *Store) Exists(vmid string) bool {
	path, err := s.paths.ConfigFile(vmid)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
