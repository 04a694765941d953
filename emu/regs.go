package emu

import (
	"github.com/pkg/errors"
)

// Regs is a register file keyed by engine enums, masked to the register width.
type Regs struct {
	mask uint64
	vals map[int]uint64
	msrs map[uint64]uint64
}

func NewRegs(bits uint, enums []int) *Regs {
	r := &Regs{
		mask: ^uint64(0) >> (64 - bits),
		vals: make(map[int]uint64),
		msrs: make(map[uint64]uint64),
	}
	for _, e := range enums {
		r.vals[e] = 0
	}
	return r
}

func (r *Regs) RegRead(enum int) (uint64, error) {
	val, ok := r.vals[enum]
	if !ok {
		return 0, errors.New("invalid register")
	}
	return val, nil
}

func (r *Regs) RegWrite(enum int, val uint64) error {
	if _, ok := r.vals[enum]; !ok {
		return errors.New("invalid register")
	}
	r.vals[enum] = val & r.mask
	return nil
}

func (r *Regs) RegWriteMsr(msr, val uint64) error {
	r.msrs[msr] = val
	return nil
}

func (r *Regs) RegReadMsr(msr uint64) (uint64, bool) {
	val, ok := r.msrs[msr]
	return val, ok
}
