package emu

import (
	"github.com/pkg/errors"
)

// Mem wraps MemSim with address masking and optional hook dispatch, giving a
// Cpu-shaped memory model without an emulation engine behind it.
type Mem struct {
	bits uint
	// addresses that do not fit inside mask are rejected
	mask uint64
	// set when passing *Mem to NewHooks
	hooks *Hooks

	sim *MemSim
}

func NewMem(bits uint) *Mem {
	return &Mem{
		bits: bits,
		mask: ^uint64(0) >> (64 - bits),
		sim:  &MemSim{},
	}
}

func (m *Mem) MemMap(addr, size uint64, prot int) error {
	if (addr+size)&m.mask != addr+size {
		return errors.New("region outside memory range")
	}
	// engines reject overlapping maps, so the software model does too
	for _, p := range m.sim.Mem {
		if _, _, ok := p.Intersect(addr, size); ok {
			return errors.Errorf("region overlaps mapping at %#x", p.Addr)
		}
	}
	m.sim.Map(addr, size, prot, false)
	return nil
}

func (m *Mem) MemUnmap(addr, size uint64) error {
	if mapped, _ := m.sim.RangeValid(addr, size, 0); !mapped {
		return errors.New("range not mapped")
	}
	m.sim.Unmap(addr, size)
	return nil
}

func (m *Mem) MemReadInto(p []byte, addr uint64) error {
	return m.sim.Read(addr, p, 0)
}

func (m *Mem) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := m.MemReadInto(p, addr); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Mem) MemWrite(addr uint64, p []byte) error {
	return m.sim.Write(addr, p, 0)
}

func (m *Mem) Mappings() Pages {
	return m.sim.Mem
}

// Fetch reads instruction memory, dispatching a fault hook on failure. A
// scripted Cpu uses this to drive demand paging the way an engine would: the
// fetch is retried once when a hook reports the fault handled.
func (m *Mem) Fetch(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	err := m.sim.Read(addr, p, PROT_EXEC)
	if err == nil {
		return p, nil
	}
	merr, ok := err.(*MemError)
	if !ok || m.hooks == nil {
		return nil, err
	}
	if !m.hooks.OnFault(merr.Enum, addr, int(size), 0) {
		return nil, err
	}
	if err := m.sim.Read(addr, p, PROT_EXEC); err != nil {
		return nil, err
	}
	return p, nil
}
