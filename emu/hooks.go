package emu

import (
	"github.com/pkg/errors"
)

type hookInfo struct {
	htype int
	start uint64
	end   uint64
}

func (h *hookInfo) Type() int {
	return h.htype
}

// start > end means the hook covers all addresses
func (h *hookInfo) Contains(addr uint64) bool {
	return h.start > h.end || addr >= h.start && addr <= h.end
}

type hinfo interface {
	Type() int
}

type codeHook struct {
	hookInfo
	cb func(Cpu, uint64, uint32)
}

type memFaultHook struct {
	hookInfo
	cb func(Cpu, int, uint64, int, int64) bool
}

// Hooks dispatches block and memory-fault callbacks for a software Cpu,
// mirroring how an emulation engine invokes them.
type Hooks struct {
	cpu Cpu

	block    []*codeHook
	code     []*codeHook
	memFault []*memFaultHook
}

// NewHooks creates the dispatcher, optionally attaching it to a *Mem so
// fetch faults are routed through fault hooks automatically.
func NewHooks(cpu Cpu, mem *Mem) *Hooks {
	h := &Hooks{cpu: cpu}
	if mem != nil {
		mem.hooks = h
	}
	return h
}

func (h *Hooks) HookAdd(htype int, cb interface{}, start uint64, end uint64, extra ...int) (Hook, error) {
	info := hookInfo{htype, start, end}
	var hook interface{}
	switch htype {
	case HOOK_BLOCK:
		hh := &codeHook{info, cb.(func(Cpu, uint64, uint32))}
		h.block, hook = append(h.block, hh), hh

	case HOOK_CODE:
		hh := &codeHook{info, cb.(func(Cpu, uint64, uint32))}
		h.code, hook = append(h.code, hh), hh

	case HOOK_MEM_UNMAPPED, HOOK_MEM_PROT, HOOK_MEM_ERR:
		hh := &memFaultHook{info, cb.(func(Cpu, int, uint64, int, int64) bool)}
		h.memFault, hook = append(h.memFault, hh), hh

	default:
		return nil, errors.New("unknown hook type")
	}
	return hook, nil
}

func (h *Hooks) HookDel(hh Hook) error {
	info, ok := hh.(hinfo)
	if !ok {
		return errors.New("unknown hook handle")
	}
	switch info.Type() {
	case HOOK_BLOCK:
		h.block = delCodeHook(h.block, hh)
	case HOOK_CODE:
		h.code = delCodeHook(h.code, hh)
	case HOOK_MEM_UNMAPPED, HOOK_MEM_PROT, HOOK_MEM_ERR:
		var tmp []*memFaultHook
		for _, v := range h.memFault {
			if v != hh {
				tmp = append(tmp, v)
			}
		}
		h.memFault = tmp
	}
	return nil
}

func delCodeHook(hooks []*codeHook, hh Hook) []*codeHook {
	var tmp []*codeHook
	for _, v := range hooks {
		if v != hh {
			tmp = append(tmp, v)
		}
	}
	return tmp
}

func (h *Hooks) OnBlock(addr uint64, size uint32) {
	for _, v := range h.block {
		if v.Contains(addr) {
			v.cb(h.cpu, addr, size)
		}
	}
}

func (h *Hooks) OnCode(addr uint64, size uint32) {
	for _, v := range h.code {
		if v.Contains(addr) {
			v.cb(h.cpu, addr, size)
		}
	}
}

// OnFault returns true if any hook resolved the fault.
func (h *Hooks) OnFault(access int, addr uint64, size int, val int64) bool {
	for _, v := range h.memFault {
		if v.Contains(addr) {
			if v.cb(h.cpu, access, addr, size, val) {
				return true
			}
		}
	}
	return false
}
