//go:build !linux

package privilege

func newEffective() Switcher { return Noop{} }
