//go:build linux

package privilege

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// identityMu guards the process-wide effective uid. Every Effective value
// shares it.
var identityMu sync.Mutex

// Effective switches the effective uid with seteuid(2). The real uid stays
// root so the original identity can always be restored.
type Effective struct{}

func newEffective() Switcher { return Effective{} }

func (Effective) Lock()   { identityMu.Lock() }
func (Effective) Unlock() { identityMu.Unlock() }

func (Effective) Current() int { return os.Geteuid() }

func (Effective) Become(uid int) error {
	if uid < 0 || uid == os.Geteuid() {
		return nil
	}
	if os.Geteuid() != 0 {
		if err := syscall.Seteuid(0); err != nil {
			return fmt.Errorf("failed to regain root: %w", err)
		}
	}
	if err := syscall.Seteuid(uid); err != nil {
		return fmt.Errorf("failed to switch to uid %d: %w", uid, err)
	}
	return nil
}

func (Effective) Restore(uid int) error {
	if uid == os.Geteuid() {
		return nil
	}
	if err := syscall.Seteuid(0); err != nil {
		return fmt.Errorf("failed to regain root: %w", err)
	}
	if uid == 0 {
		return nil
	}
	if err := syscall.Seteuid(uid); err != nil {
		return fmt.Errorf("failed to restore uid %d: %w", uid, err)
	}
	return nil
}
