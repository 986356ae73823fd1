package vmconfig

import "github.com/vmnode/vmcore/lib/vmerr"

// ValidLockTransition reports whether from -> to is a legal lock-state
// transition, per spec §4.8's finite set: any lock may clear, a lock may
// only be acquired from the cleared state, and suspending is the one
// non-cleared-to-non-cleared transition allowed (suspending -> suspended,
// after a successful state save).
func ValidLockTransition(from, to LockState) bool {
	if to == LockNone {
		return true
	}
	if from == LockNone {
		return true
	}
	return from == LockSuspending && to == LockSuspended
}

// SetLock transitions the config's lock, rejecting illegal transitions.
func SetLock(cfg *Config, to LockState) error {
	from := cfg.Lock()
	if !ValidLockTransition(from, to) {
		return vmerr.New(vmerr.Locked, "illegal lock transition: "+string(from)+" -> "+string(to))
	}
	if to == LockNone {
		cfg.Current.Delete("lock")
		return nil
	}
	cfg.Current.Set("lock", string(to))
	return nil
}

// ClearLock is SetLock(cfg, LockNone), always legal.
func ClearLock(cfg *Config) error {
	return SetLock(cfg, LockNone)
}

// CheckLock errors if cfg is locked and the caller didn't opt out via
// skiplock+privileged, per spec §4.8's check_lock contract.
func CheckLock(cfg *Config, skiplock, privileged bool) error {
	lock := cfg.Lock()
	if lock == LockNone {
		return nil
	}
	if skiplock && privileged {
		return nil
	}
	return vmerr.New(vmerr.Locked, "VM is locked ("+string(lock)+")")
}
