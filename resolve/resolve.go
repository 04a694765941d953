// Package resolve discovers the real exported function behind a protector's
// API wrapper. It emulates the wrapper's code against a lazily mirrored view
// of the target process and watches execution at basic-block granularity:
// the first export reached under the right stack conditions is the wrapped
// API. Decoy calls the protector inserts to derail emulation are simulated
// away, and wrappers built on process-terminating APIs resolve to those APIs.
package resolve

import (
	"fmt"

	"github.com/apex/log"
	cs "github.com/lunixbochs/capstr"
	"github.com/pkg/errors"

	"github.com/packlift/packlift/emu"
	"github.com/packlift/packlift/emu/ucorn"
	"github.com/packlift/packlift/proc"
)

// ErrUnresolved reports that emulation could not determine the wrapped API.
// Protected binaries routinely contain wrappers that defeat emulation, so
// callers should move on to the next wrapper rather than abort.
var ErrUnresolved = errors.New("wrapped API could not be resolved")

// defaultWindow bounds emulation to trampoline-sized code past the wrapper
// entry; a wrapper that wanders further will not resolve anyway.
const defaultWindow = 1024

// CpuFactory constructs the emulation engine for one resolution call.
type CpuFactory func(arch proc.Arch) (emu.Cpu, error)

func defaultCpuFactory(arch proc.Arch) (emu.Cpu, error) {
	prof, err := profileFor(arch)
	if err != nil {
		return nil, err
	}
	b := ucorn.Builder{Arch: prof.ucArch, Mode: prof.ucMode}
	return b.New()
}

// Resolver resolves API wrappers inside one target process. Sessions share
// no mutable state, so independent Resolvers (or calls on controllers that
// snapshot safely) may run concurrently.
type Resolver struct {
	ctl    proc.Controller
	newCpu CpuFactory
	window uint64
}

type Option func(*Resolver)

// WithCpuFactory substitutes the emulation engine, mainly for tests.
func WithCpuFactory(f CpuFactory) Option {
	return func(r *Resolver) { r.newCpu = f }
}

// WithWindow overrides how far past the wrapper entry emulation may run.
func WithWindow(n uint64) Option {
	return func(r *Resolver) { r.window = n }
}

func New(ctl proc.Controller, opts ...Option) *Resolver {
	r := &Resolver{ctl: ctl, newCpu: defaultCpuFactory, window: defaultWindow}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveAPIWrapper emulates the wrapper at wrapperAddr until control reaches
// a known export and returns that export's address. expectedRet, when not
// zero, is the return address the protected call site would push; the
// synthetic stack sentinel is always accepted as well. Engine faults are an
// expected property of protected code and yield ErrUnresolved; only profile
// selection and context construction surface hard errors.
func (r *Resolver) ResolveAPIWrapper(wrapperAddr, expectedRet uint64) (uint64, error) {
	prof, err := profileFor(r.ctl.Arch())
	if err != nil {
		return 0, err
	}
	c, err := r.newCpu(r.ctl.Arch())
	if err != nil {
		return 0, errors.Wrap(err, "constructing cpu failed")
	}
	s, err := newSession(prof, r.ctl, c, expectedRet)
	if err != nil {
		c.Close()
		return 0, err
	}
	defer s.Close()

	if err := c.Start(wrapperAddr, wrapperAddr+r.window); err != nil {
		s.logFault(err)
		return 0, ErrUnresolved
	}
	if !s.done {
		// the window ran out without reaching a stop condition
		return 0, ErrUnresolved
	}
	addr, err := c.RegRead(prof.result)
	if err != nil {
		return 0, errors.Wrap(err, "reading result register failed")
	}
	return addr, nil
}

// logFault records where emulation died. Debug level: unresolved wrappers
// are business as usual when unpacking protected binaries.
func (s *session) logFault(err error) {
	pc, _ := s.cpu.RegRead(s.prof.pc)
	sp, _ := s.cpu.RegRead(s.prof.sp)
	fp, _ := s.cpu.RegRead(s.prof.fp)
	log.WithError(err).WithFields(log.Fields{
		"pc": fmt.Sprintf("%#x", pc),
		"sp": fmt.Sprintf("%#x", sp),
		"fp": fmt.Sprintf("%#x", fp),
	}).Debug("emulation fault")
	s.disasFault(pc)
}

// disasFault dumps the faulting code at debug level when it is readable.
func (s *session) disasFault(pc uint64) {
	mem, err := s.cpu.MemRead(pc, 16)
	if err != nil {
		return
	}
	engine, err := cs.New(s.prof.csArch, s.prof.csMode)
	if err != nil {
		return
	}
	ins, err := engine.Dis(mem, pc, 0)
	if err != nil {
		return
	}
	for _, in := range ins {
		log.Debugf("%#x: %s %s", in.Addr(), in.Mnemonic(), in.OpStr())
	}
}
