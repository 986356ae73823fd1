package vmconfig

// LockState names the single advisory/mandatory lock a config may hold.
type LockState string

const (
	LockNone       LockState = ""
	LockBackup     LockState = "backup"
	LockMigrate    LockState = "migrate"
	LockSnapshot   LockState = "snapshot"
	LockSuspending LockState = "suspending"
	LockSuspended  LockState = "suspended"
	LockClone      LockState = "clone"
	LockRollback   LockState = "rollback"
	LockCreate     LockState = "create"
	LockDestroyed  LockState = "destroyed"
)

// SnapState names an in-flight snapshot-section transition.
type SnapState string

const (
	SnapStateNone    SnapState = ""
	SnapStatePrepare SnapState = "prepare"
	SnapStateDelete  SnapState = "delete"
)

const currentSnapshotName = "current"

// Config is one VM's full configuration record: the live "current" section
// plus an ordered set of named snapshot sections.
type Config struct {
	VMID          string
	Current       *Section
	SnapshotOrder []string
	Snapshots     map[string]*Section

	// Digest is the SHA-1 over the serialized current section at load
	// time, excluding the digest key itself. A Write call with a
	// caller-supplied expected digest compares against this value.
	Digest string
}

// New returns an empty Config for vmid.
func New(vmid string) *Config {
	return &Config{
		VMID:      vmid,
		Current:   NewSection(),
		Snapshots: make(map[string]*Section),
	}
}

// Lock returns the current section's lock state.
func (c *Config) Lock() LockState {
	v, _ := c.Current.Get("lock")
	return LockState(v)
}

// SnapshotState returns the current section's snapstate, for the rare case
// a commit/rollback needs it recorded outside a snapshot section (spec
// §3 invariant 7 concerns snapshot sections, not current, in the normal
// case; kept for symmetry with the on-disk field).
func (c *Config) SnapshotState() SnapState {
	v, _ := c.Current.Get("snapstate")
	return SnapState(v)
}
