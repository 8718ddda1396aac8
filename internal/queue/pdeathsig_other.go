//go:build !linux

package queue

// EnableParentDeathSignal is a no-op outside Linux; prctl(PR_SET_PDEATHSIG)
// has no equivalent elsewhere.
func EnableParentDeathSignal() error { return nil }
