// Package privilege switches the effective user id around local deliveries.
package privilege

import (
	"os"
	"sync"
)

// Switcher changes the effective identity of the process.
//
// The effective uid belongs to the whole process, not to a goroutine, so a
// caller holds Lock from its first Become until the matching Restore.
type Switcher interface {
	sync.Locker

	// Current returns the effective uid.
	Current() int

	// Become switches to uid. A negative uid is a no-op.
	Become(uid int) error

	// Restore returns to uid, as previously reported by Current.
	Restore(uid int) error
}

// Noop never changes identity.
type Noop struct{}

func (Noop) Lock()                 {}
func (Noop) Unlock()               {}
func (Noop) Current() int          { return os.Geteuid() }
func (Noop) Become(uid int) error  { return nil }
func (Noop) Restore(uid int) error { return nil }

// Default returns an effective-uid switcher when running as root and Noop
// otherwise.
func Default() Switcher {
	if os.Geteuid() == 0 {
		return newEffective()
	}
	return Noop{}
}
