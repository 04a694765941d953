// Package ucorn backs the emu.Cpu interface with the Unicorn engine.
package ucorn

import (
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/packlift/packlift/emu"
)

type Builder struct {
	Arch, Mode int
}

func (b *Builder) New() (emu.Cpu, error) {
	u, err := uc.NewUnicorn(b.Arch, b.Mode)
	if err != nil {
		return nil, errors.Wrap(err, "uc.NewUnicorn() failed")
	}
	return &Cpu{u}, nil
}

type Cpu struct {
	uc.Unicorn
}

func (u *Cpu) MemMap(addr, size uint64, prot int) error {
	return u.Unicorn.MemMapProt(addr, size, prot)
}

func (u *Cpu) RegWriteMsr(msr, val uint64) error {
	return u.Unicorn.RegWriteX86Msr(msr, val)
}

// HookAdd wraps callbacks to conform to the Cpu interface, so hook code never
// needs to know which engine is underneath.
func (u *Cpu) HookAdd(htype int, cb interface{}, start uint64, end uint64, extra ...int) (emu.Hook, error) {
	var wrap interface{}
	switch htype {
	case emu.HOOK_BLOCK, emu.HOOK_CODE:
		cbc := cb.(func(emu.Cpu, uint64, uint32))
		wrap = func(_ uc.Unicorn, addr uint64, size uint32) { cbc(u, addr, size) }

	default:
		if htype&emu.HOOK_MEM_ERR != 0 && htype&^emu.HOOK_MEM_ERR == 0 {
			cbc := cb.(func(emu.Cpu, int, uint64, int, int64) bool)
			wrap = func(_ uc.Unicorn, access int, addr uint64, size int, val int64) bool {
				return cbc(u, access, addr, size, val)
			}
		} else {
			return nil, errors.New("unknown hook type")
		}
	}
	return u.Unicorn.HookAdd(htype, wrap, start, end, extra...)
}

func (u *Cpu) HookDel(hh emu.Hook) error {
	return u.Unicorn.HookDel(hh.(uc.Hook))
}
