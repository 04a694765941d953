package resolve

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"

	"github.com/packlift/packlift/emu"
	"github.com/packlift/packlift/proc"
)

// fakeProc serves a synthetic target process from in-memory pages.
type fakeProc struct {
	arch    proc.Arch
	pages   map[uint64][]byte
	exports map[uint64]proc.Export
	reads   map[uint64]int
}

func newFakeProc(arch proc.Arch) *fakeProc {
	return &fakeProc{
		arch:    arch,
		pages:   make(map[uint64][]byte),
		exports: make(map[uint64]proc.Export),
		reads:   make(map[uint64]int),
	}
}

func (p *fakeProc) Arch() proc.Arch  { return p.arch }
func (p *fakeProc) PageSize() uint64 { return 0x1000 }

func (p *fakeProc) PointerSize() int {
	if p.arch == proc.X86_64 {
		return 8
	}
	return 4
}

func (p *fakeProc) ReadMem(addr, length uint64) ([]byte, error) {
	data, ok := p.pages[addr]
	if !ok {
		return nil, proc.ErrOutOfRange
	}
	p.reads[addr]++
	buf := make([]byte, length)
	copy(buf, data)
	return buf, nil
}

func (p *fakeProc) Exports() map[uint64]proc.Export { return p.exports }

// addPage registers a readable page; content defaults to 0xcc filler.
func (p *fakeProc) addPage(addr uint64) []byte {
	data := make([]byte, p.PageSize())
	for i := range data {
		data[i] = 0xcc
	}
	p.pages[addr] = data
	return data
}

func (p *fakeProc) addExport(addr uint64, name string) {
	p.exports[addr] = proc.Export{Name: name, Module: "kernel32.dll"}
	p.addPage(addr - addr%p.PageSize())
}

// fakeCpu is a scripted engine stand-in built from the emu software model.
// Control flow is a map from block address to fallthrough successor; block
// actions simulate the stack effects of the block's instructions.
type fakeCpu struct {
	*emu.Regs
	mem   *emu.Mem
	hooks *emu.Hooks

	prof    *profile
	stopped bool
	closed  bool

	next   map[uint64]uint64
	script map[uint64]func(f *fakeCpu)
}

func newFakeCpu(prof *profile) *fakeCpu {
	f := &fakeCpu{
		Regs:   emu.NewRegs(uint(prof.bits), []int{prof.pc, prof.sp, prof.fp, prof.result}),
		mem:    emu.NewMem(uint(prof.bits)),
		prof:   prof,
		next:   make(map[uint64]uint64),
		script: make(map[uint64]func(f *fakeCpu)),
	}
	f.hooks = emu.NewHooks(f, f.mem)
	return f
}

func (f *fakeCpu) MemMap(addr, size uint64, prot int) error { return f.mem.MemMap(addr, size, prot) }
func (f *fakeCpu) MemUnmap(addr, size uint64) error         { return f.mem.MemUnmap(addr, size) }
func (f *fakeCpu) MemRead(addr, size uint64) ([]byte, error) {
	return f.mem.MemRead(addr, size)
}
func (f *fakeCpu) MemReadInto(p []byte, addr uint64) error { return f.mem.MemReadInto(p, addr) }
func (f *fakeCpu) MemWrite(addr uint64, p []byte) error    { return f.mem.MemWrite(addr, p) }

func (f *fakeCpu) HookAdd(htype int, cb interface{}, begin, end uint64, extra ...int) (emu.Hook, error) {
	return f.hooks.HookAdd(htype, cb, begin, end, extra...)
}
func (f *fakeCpu) HookDel(h emu.Hook) error { return f.hooks.HookDel(h) }

func (f *fakeCpu) Stop() error  { f.stopped = true; return nil }
func (f *fakeCpu) Close() error { f.closed = true; return nil }

func (f *fakeCpu) push(val uint64) {
	sp, _ := f.RegRead(f.prof.sp)
	sp -= uint64(f.prof.ptrSize)
	buf, _ := emu.PackUint(binary.LittleEndian, f.prof.ptrSize, nil, val)
	f.mem.MemWrite(sp, buf)
	f.RegWrite(f.prof.sp, sp)
}

// Start walks scripted basic blocks the way an engine would: fetch the block
// (driving fault hooks), run the block's scripted stack effects, fire the
// block hook, then follow either a program-counter rewrite or the scripted
// fallthrough.
func (f *fakeCpu) Start(begin, until uint64) error {
	f.stopped = false
	pc := begin
	for i := 0; i < 64; i++ {
		if _, err := f.mem.Fetch(pc, 1); err != nil {
			return err
		}
		if act := f.script[pc]; act != nil {
			act(f)
		}
		f.RegWrite(f.prof.pc, pc)
		f.hooks.OnBlock(pc, 0)
		if f.stopped {
			return nil
		}
		npc, err := f.RegRead(f.prof.pc)
		if err != nil {
			return err
		}
		if npc != pc {
			pc = npc
			continue
		}
		next, ok := f.next[pc]
		if !ok {
			// script exhausted: like running to the bound without stopping
			return nil
		}
		pc = next
	}
	return nil
}

const (
	wrapper32    = 0x401000
	wrapperRet32 = 0x401005
	realAPI32    = 0x77001000
	sleepAPI32   = 0x77002000
	exitAPI32    = 0x77003000
)

func newEnv32(t *testing.T) (*fakeProc, *fakeCpu, *Resolver) {
	t.Helper()
	p := newFakeProc(proc.X86)
	p.addPage(wrapper32)
	p.addExport(realAPI32, "CreateFileA")
	p.addExport(sleepAPI32, "Sleep")
	p.addExport(exitAPI32, "ExitProcess")
	prof, err := profileFor(proc.X86)
	if err != nil {
		t.Fatal(err)
	}
	c := newFakeCpu(prof)
	r := New(p, WithCpuFactory(func(proc.Arch) (emu.Cpu, error) { return c, nil }))
	return p, c, r
}

func TestResolvePassthrough(t *testing.T) {
	_, c, r := newEnv32(t)
	// wrapper jumps straight to the real API with the synthetic stack intact
	c.next[wrapper32] = realAPI32

	addr, err := r.ResolveAPIWrapper(wrapper32, 0)
	if err != nil {
		t.Fatal(err)
	}
	if addr != realAPI32 {
		t.Fatalf("resolved %#x, want %#x", addr, realAPI32)
	}
	if !c.closed {
		t.Error("cpu was not released")
	}
}

func TestResolveBogusBypass(t *testing.T) {
	_, c, r := newEnv32(t)
	// the wrapper calls Sleep(1) as a decoy (returning inside the wrapper,
	// not to the protected call site), then jumps to the real API
	c.next[wrapper32] = sleepAPI32
	c.script[sleepAPI32] = func(f *fakeCpu) {
		f.push(1) // dwMilliseconds
		f.push(wrapperRet32)
	}
	c.next[wrapperRet32] = realAPI32

	addr, err := r.ResolveAPIWrapper(wrapper32, 0x403000)
	if err != nil {
		t.Fatal(err)
	}
	if addr != realAPI32 {
		t.Fatalf("resolved %#x, want %#x", addr, realAPI32)
	}
	// the bypass must leave no trace beyond the documented fix-up
	sp, err := c.RegRead(c.prof.sp)
	if err != nil {
		t.Fatal(err)
	}
	prof := c.prof
	wantSp := prof.stackBase + 3*0x1000 - 0x1000
	if sp != wantSp {
		t.Fatalf("stack pointer %#x after bypass, want %#x", sp, wantSp)
	}
}

func TestResolveUnmappedTarget(t *testing.T) {
	// the wrapper dereferences an address outside the target's mappings
	_, c, r := newEnv32(t)
	c.next[wrapper32] = 0x88000000 // no page served there

	if _, err := r.ResolveAPIWrapper(wrapper32, 0); err != ErrUnresolved {
		t.Fatalf("got %v, want ErrUnresolved", err)
	}
}

func TestResolveNullDeref(t *testing.T) {
	_, c, r := newEnv32(t)
	c.next[wrapper32] = 0

	if _, err := r.ResolveAPIWrapper(wrapper32, 0); err != ErrUnresolved {
		t.Fatalf("got %v, want ErrUnresolved", err)
	}
}

func TestResolveWindowExhausted(t *testing.T) {
	// a wrapper that never reaches an export and never faults
	_, c, r := newEnv32(t)
	c.next[wrapper32] = wrapperRet32 // and nothing after

	if _, err := r.ResolveAPIWrapper(wrapper32, 0); err != ErrUnresolved {
		t.Fatalf("got %v, want ErrUnresolved", err)
	}
}

func TestResolveUnsupportedArch(t *testing.T) {
	p := newFakeProc(proc.Arch(99))
	r := New(p)
	_, err := r.ResolveAPIWrapper(wrapper32, 0)
	if err == nil {
		t.Fatal("expected a hard error for an unsupported architecture")
	}
	if err == ErrUnresolved {
		t.Fatal("unsupported architecture must not be downgraded to unresolved")
	}
}

// brokenMapCpu refuses every mapping, so context construction cannot succeed.
type brokenMapCpu struct {
	*fakeCpu
}

func (b *brokenMapCpu) MemMap(addr, size uint64, prot int) error {
	return errors.New("out of memory")
}

func TestResolveCpuFactoryFailure(t *testing.T) {
	p := newFakeProc(proc.X86)
	r := New(p, WithCpuFactory(func(proc.Arch) (emu.Cpu, error) {
		return nil, errors.New("engine unavailable")
	}))
	_, err := r.ResolveAPIWrapper(wrapper32, 0)
	if err == nil {
		t.Fatal("expected a hard error when the engine cannot be constructed")
	}
	if errors.Cause(err) == ErrUnresolved {
		t.Fatal("engine construction failure downgraded to unresolved")
	}
}

func TestResolveConstructionFailure(t *testing.T) {
	p := newFakeProc(proc.X86)
	prof, err := profileFor(proc.X86)
	if err != nil {
		t.Fatal(err)
	}
	c := &brokenMapCpu{newFakeCpu(prof)}
	r := New(p, WithCpuFactory(func(proc.Arch) (emu.Cpu, error) { return c, nil }))

	_, err = r.ResolveAPIWrapper(wrapper32, 0)
	if err == nil {
		t.Fatal("expected a hard error when context construction fails")
	}
	if errors.Cause(err) == ErrUnresolved {
		t.Fatal("construction failure downgraded to unresolved")
	}
	if !c.closed {
		t.Error("cpu was not released after failed construction")
	}
}

func TestResolvePagingMapsPageOnce(t *testing.T) {
	p, c, r := newEnv32(t)
	// two blocks on the same target page: the second must reuse the mapping
	c.next[wrapper32] = wrapperRet32
	c.next[wrapperRet32] = realAPI32

	if _, err := r.ResolveAPIWrapper(wrapper32, 0); err != nil {
		t.Fatal(err)
	}
	if n := p.reads[wrapper32]; n != 1 {
		t.Fatalf("wrapper page read %d times, want 1", n)
	}
}

func TestResolvePassthrough64(t *testing.T) {
	const (
		wrapper64 = 0x140001000
		realAPI64 = 0x7ff800001000
	)
	p := newFakeProc(proc.X86_64)
	p.addPage(wrapper64)
	p.addExport(realAPI64, "CreateFileW")
	prof, err := profileFor(proc.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	c := newFakeCpu(prof)
	r := New(p, WithCpuFactory(func(proc.Arch) (emu.Cpu, error) { return c, nil }))
	c.next[wrapper64] = realAPI64

	addr, err := r.ResolveAPIWrapper(wrapper64, 0)
	if err != nil {
		t.Fatal(err)
	}
	if addr != realAPI64 {
		t.Fatalf("resolved %#x, want %#x", addr, realAPI64)
	}
}
