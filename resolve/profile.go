package resolve

import (
	"bytes"
	"encoding/binary"

	cs "github.com/lunixbochs/capstr"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/packlift/packlift/emu"
	"github.com/packlift/packlift/proc"
)

// stackSentinel is the fabricated return address seeded on the synthetic
// stack. A wrapper returning to it has run to completion without a caller.
const stackSentinel = 0xdeadbeef

const (
	msrIA32FsBase = 0xC0000100
	msrIA32GsBase = 0xC0000101
)

// profile carries the per-architecture constants for one resolution call.
// The synthetic ranges sit far above normal user-space allocations so they
// never collide with pages mirrored from the target.
type profile struct {
	bits    int
	ptrSize int

	pc, sp, fp, result int

	stackBase uint64
	tebBase   uint64
	pebBase   uint64

	ucArch, ucMode int
	csArch, csMode int
}

var profiles = map[proc.Arch]*profile{
	proc.X86: {
		bits:    32,
		ptrSize: 4,
		pc:      uc.X86_REG_EIP,
		sp:      uc.X86_REG_ESP,
		fp:      uc.X86_REG_EBP,
		result:  uc.X86_REG_EAX,

		stackBase: 0xff000000,
		tebBase:   0xff100000,
		pebBase:   0xff200000,

		ucArch: uc.ARCH_X86, ucMode: uc.MODE_32,
		csArch: cs.ARCH_X86, csMode: cs.MODE_32,
	},
	proc.X86_64: {
		bits:    64,
		ptrSize: 8,
		pc:      uc.X86_REG_RIP,
		sp:      uc.X86_REG_RSP,
		fp:      uc.X86_REG_RBP,
		result:  uc.X86_REG_RAX,

		stackBase: 0xff00000000000000,
		tebBase:   0xff10000000000000,
		pebBase:   0xff20000000000000,

		ucArch: uc.ARCH_X86, ucMode: uc.MODE_64,
		csArch: cs.ARCH_X86, csMode: cs.MODE_64,
	},
}

// profileFor fails fast on anything but 32-/64-bit x86; defaulting would
// silently corrupt every downstream resolution.
func profileFor(arch proc.Arch) (*profile, error) {
	p, ok := profiles[arch]
	if !ok {
		return nil, errors.Errorf("architecture %q is not supported", arch)
	}
	return p, nil
}

// Minimal thread environment block. Wrapper code routinely reads the self
// pointer and the process environment pointer through fs/gs before making
// the real call, so both must be present at their ABI offsets.
type teb32 struct {
	Pad0 []byte `struc:"[24]pad"`
	Self uint32 // 0x18
	Pad1 []byte `struc:"[20]pad"`
	Peb  uint32 // 0x30
}

type teb64 struct {
	Pad0 []byte `struc:"[48]pad"`
	Self uint64 // 0x30
	Pad1 []byte `struc:"[40]pad"`
	Peb  uint64 // 0x60
}

// setupSegments maps synthetic thread/process environment pages, writes the
// self-referential pointers, and binds the thread block as the active segment
// base (fs on 32-bit, gs on 64-bit).
func (p *profile) setupSegments(c emu.Cpu, pageSize uint64) error {
	for _, base := range []uint64{p.tebBase, p.pebBase} {
		if err := c.MemMap(base, pageSize, emu.PROT_READ|emu.PROT_WRITE); err != nil {
			return errors.Wrap(err, "mapping environment block failed")
		}
	}
	var layout interface{}
	msr := uint64(msrIA32FsBase)
	if p.bits == 64 {
		layout = &teb64{Self: p.tebBase, Peb: p.pebBase}
		msr = msrIA32GsBase
	} else {
		layout = &teb32{Self: uint32(p.tebBase), Peb: uint32(p.pebBase)}
	}
	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, layout, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return errors.Wrap(err, "packing environment block failed")
	}
	if err := c.MemWrite(p.tebBase, buf.Bytes()); err != nil {
		return errors.Wrap(err, "writing environment block failed")
	}
	return errors.Wrap(c.RegWriteMsr(msr, p.tebBase), "binding segment base failed")
}
