package emu

import (
	"testing"
)

func TestBlockHookRange(t *testing.T) {
	h := NewHooks(nil, nil)
	var hits []uint64
	hh, err := h.HookAdd(HOOK_BLOCK, func(_ Cpu, addr uint64, size uint32) {
		hits = append(hits, addr)
	}, 0x1000, 0x1fff)
	if err != nil {
		t.Fatal(err)
	}
	h.OnBlock(0x1000, 0)
	h.OnBlock(0x2000, 0) // outside the hook's range
	h.OnBlock(0x1fff, 0)
	if len(hits) != 2 || hits[0] != 0x1000 || hits[1] != 0x1fff {
		t.Fatalf("block hook hits: %#v", hits)
	}

	if err := h.HookDel(hh); err != nil {
		t.Fatal(err)
	}
	h.OnBlock(0x1000, 0)
	if len(hits) != 2 {
		t.Fatal("deleted hook still fired")
	}
}

func TestCodeHookDispatch(t *testing.T) {
	h := NewHooks(nil, nil)
	var blocks, code []uint64
	if _, err := h.HookAdd(HOOK_BLOCK, func(_ Cpu, addr uint64, size uint32) {
		blocks = append(blocks, addr)
	}, 1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := h.HookAdd(HOOK_CODE, func(_ Cpu, addr uint64, size uint32) {
		code = append(code, addr)
	}, 0x1000, 0x1fff); err != nil {
		t.Fatal(err)
	}
	// block and code hooks dispatch independently
	h.OnCode(0x1000, 2)
	h.OnCode(0x1002, 2)
	h.OnCode(0x2000, 2) // outside the code hook's range
	h.OnBlock(0x1000, 0)
	if len(code) != 2 || code[0] != 0x1000 || code[1] != 0x1002 {
		t.Fatalf("code hook hits: %#v", code)
	}
	if len(blocks) != 1 || blocks[0] != 0x1000 {
		t.Fatalf("block hook hits: %#v", blocks)
	}
}

func TestGlobalHookRange(t *testing.T) {
	h := NewHooks(nil, nil)
	hits := 0
	// start > end covers all addresses
	if _, err := h.HookAdd(HOOK_BLOCK, func(_ Cpu, addr uint64, size uint32) {
		hits++
	}, 1, 0); err != nil {
		t.Fatal(err)
	}
	h.OnBlock(0, 0)
	h.OnBlock(^uint64(0), 0)
	if hits != 2 {
		t.Fatalf("global hook hits: %d", hits)
	}
}

func TestFaultHookVeto(t *testing.T) {
	h := NewHooks(nil, nil)
	order := []string{}
	h.HookAdd(HOOK_MEM_UNMAPPED, func(_ Cpu, access int, addr uint64, size int, val int64) bool {
		order = append(order, "first")
		return false
	}, 1, 0)
	h.HookAdd(HOOK_MEM_UNMAPPED, func(_ Cpu, access int, addr uint64, size int, val int64) bool {
		order = append(order, "second")
		return true
	}, 1, 0)
	h.HookAdd(HOOK_MEM_UNMAPPED, func(_ Cpu, access int, addr uint64, size int, val int64) bool {
		order = append(order, "third")
		return true
	}, 1, 0)

	if !h.OnFault(MEM_READ_UNMAPPED, 0x1000, 4, 0) {
		t.Fatal("fault not reported as resolved")
	}
	// dispatch stops at the first hook that resolves the fault
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("fault dispatch order: %v", order)
	}
}

func TestHookAddUnknownType(t *testing.T) {
	h := NewHooks(nil, nil)
	if _, err := h.HookAdd(12345, func() {}, 1, 0); err == nil {
		t.Fatal("unknown hook type accepted")
	}
}
