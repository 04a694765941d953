// Package proc exposes the slice of a live target process the resolver
// needs: its architecture, its memory, and its export directory.
package proc

import (
	"github.com/pkg/errors"
)

type Arch int

const (
	X86 Arch = iota + 1
	X86_64
)

func (a Arch) String() string {
	switch a {
	case X86:
		return "x86"
	case X86_64:
		return "x86_64"
	}
	return "unknown"
}

// Export describes one exported function of a module loaded in the target.
type Export struct {
	Name    string
	Module  string
	Ordinal uint32
}

// ErrOutOfRange reports a read of a region outside any readable mapping of
// the target. Expected when scanning past the end of an import table, so
// callers treat it as recoverable.
var ErrOutOfRange = errors.New("address range not readable in target process")

// IsOutOfRange reports whether err (possibly wrapped) is ErrOutOfRange.
func IsOutOfRange(err error) bool {
	return errors.Cause(err) == ErrOutOfRange
}

// Controller is the process-introspection surface consumed by the resolver.
type Controller interface {
	Arch() Arch
	PageSize() uint64
	PointerSize() int

	// ReadMem copies length bytes from the target's memory. Reads outside
	// any readable mapping fail with ErrOutOfRange.
	ReadMem(addr, length uint64) ([]byte, error)

	// Exports returns an address-keyed snapshot of the exported functions of
	// every module loaded in the target, valid for one resolution call.
	Exports() map[uint64]Export
}
