package resolve

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/packlift/packlift/emu"
	"github.com/packlift/packlift/proc"
)

// three pages of stack is plenty for trampoline-sized wrapper code
const stackPages = 3

// session is the execution context for one resolution call. It owns the cpu
// exclusively and is never reused; Close releases the engine on every exit
// path.
type session struct {
	cpu     emu.Cpu
	prof    *profile
	ctl     proc.Controller
	exports map[uint64]proc.Export

	stackTop uint64
	stopRet  uint64

	resolved uint64
	done     bool
}

func newSession(prof *profile, ctl proc.Controller, c emu.Cpu, expectedRet uint64) (*session, error) {
	s := &session{
		cpu:     c,
		prof:    prof,
		ctl:     ctl,
		exports: ctl.Exports(),
		stopRet: expectedRet,
	}
	if s.stopRet == 0 {
		s.stopRet = stackSentinel
	}
	pageSize := ctl.PageSize()

	// map the sentinel's page so wrappers probing their return address succeed
	sentinelPage := stackSentinel - stackSentinel%pageSize
	if err := c.MemMap(sentinelPage, pageSize, emu.PROT_ALL); err != nil {
		return nil, errors.Wrap(err, "mapping sentinel page failed")
	}

	// synthetic stack, with the sentinel as the only return address
	stackSize := stackPages * pageSize
	s.stackTop = prof.stackBase + stackSize - pageSize
	if err := c.MemMap(prof.stackBase, stackSize, emu.PROT_READ|emu.PROT_WRITE); err != nil {
		return nil, errors.Wrap(err, "mapping stack failed")
	}
	ret, err := emu.PackUint(binary.LittleEndian, prof.ptrSize, nil, stackSentinel)
	if err != nil {
		return nil, err
	}
	if err := c.MemWrite(s.stackTop, ret); err != nil {
		return nil, errors.Wrap(err, "seeding stack failed")
	}
	for _, reg := range []int{prof.sp, prof.fp} {
		if err := c.RegWrite(reg, s.stackTop); err != nil {
			return nil, errors.Wrap(err, "initializing stack registers failed")
		}
	}

	if err := prof.setupSegments(c, pageSize); err != nil {
		return nil, err
	}

	if _, err := c.HookAdd(emu.HOOK_MEM_UNMAPPED, s.onUnmapped, 1, 0); err != nil {
		return nil, errors.Wrap(err, "installing fault hook failed")
	}
	if _, err := c.HookAdd(emu.HOOK_BLOCK, s.onBlock, 1, 0); err != nil {
		return nil, errors.Wrap(err, "installing block hook failed")
	}
	return s, nil
}

func (s *session) Close() error {
	return s.cpu.Close()
}

// onUnmapped lazily mirrors the faulting page from the target process,
// turning the emulator's address space into a demand-paged view of the
// target. Returning false makes the engine raise a fatal fault.
func (s *session) onUnmapped(c emu.Cpu, access int, addr uint64, size int, value int64) bool {
	logger := log.WithField("addr", fmt.Sprintf("%#x", addr))
	logger.Debug("unmapped memory access")
	if addr == 0 {
		// a null dereference is a wrapper bug, not a missing mirror page
		return false
	}
	pageSize := s.ctl.PageSize()
	page := addr - addr%pageSize
	data, err := s.ctl.ReadMem(page, pageSize)
	if err != nil {
		if proc.IsOutOfRange(err) {
			// expected when a wrapper scans past the end of an import table
			logger.WithError(err).Debug("read past target mappings")
		} else {
			logger.WithError(err).Error("target memory read failed")
		}
		return false
	}
	if err := c.MemMap(page, pageSize, emu.PROT_ALL); err != nil {
		logger.WithError(err).Error("mapping mirrored page failed")
		return false
	}
	if err := c.MemWrite(page, data); err != nil {
		logger.WithError(err).Error("writing mirrored page failed")
		return false
	}
	logger.Debugf("mirrored %d bytes at %#x", len(data), page)
	return true
}

// onBlock decides, at each basic block, whether control has reached the
// wrapped API, and how to proceed when it reached a decoy instead.
func (s *session) onBlock(c emu.Cpu, addr uint64, size uint32) {
	exp, ok := s.exports[addr]
	if !ok {
		return
	}
	sp, err := c.RegRead(s.prof.sp)
	if err != nil {
		s.fail(err)
		return
	}
	buf, err := c.MemRead(sp, uint64(s.prof.ptrSize))
	if err != nil {
		s.fail(err)
		return
	}
	retAddr, err := emu.UnpackUint(binary.LittleEndian, s.prof.ptrSize, buf)
	if err != nil {
		s.fail(err)
		return
	}
	logger := log.WithFields(log.Fields{"api": exp.Name, "addr": fmt.Sprintf("%#x", addr)})
	logger.Debug("reached export")

	switch {
	case retAddr == s.stopRet || retAddr == s.stopRet+1 || retAddr == stackSentinel:
		// the common case: a passthrough wrapper about to return to its call site
		s.finish(c, addr)
	case noReturnAPIs[exp.Name]:
		// the wrapper tears the process down instead of returning; the
		// no-return API is the resolution
		logger.Debug("reached no-return API, stopping")
		s.finish(c, addr)
	default:
		if outcome, ok := bogusAPIs[exp.Name]; ok {
			logger.Debug("bypassing bogus API call")
			s.bypass(c, sp, retAddr, outcome)
		}
		// any other export is an auxiliary call on the way to the real
		// target; let the wrapper keep running
	}
}

func (s *session) finish(c emu.Cpu, addr uint64) {
	if err := c.RegWrite(s.prof.result, addr); err != nil {
		s.fail(err)
		return
	}
	s.resolved = addr
	s.done = true
	c.Stop()
}

// bypass simulates a decoy call instead of executing it: fake the return
// value, drop the frame the callee would have consumed, and resume right
// after the call site. On 64-bit the first four arguments ride in registers
// and leave nothing to pop.
func (s *session) bypass(c emu.Cpu, sp, retAddr uint64, outcome bogusOutcome) {
	if err := c.RegWrite(s.prof.result, outcome.ret); err != nil {
		s.fail(err)
		return
	}
	stackArgs := outcome.args
	if s.prof.bits == 64 {
		stackArgs -= 4
		if stackArgs < 0 {
			stackArgs = 0
		}
	}
	newSp := sp + uint64(s.prof.ptrSize)*uint64(1+stackArgs)
	if err := c.RegWrite(s.prof.sp, newSp); err != nil {
		s.fail(err)
		return
	}
	if err := c.RegWrite(s.prof.pc, retAddr); err != nil {
		s.fail(err)
	}
}

// fail aborts the run on an engine error inside a hook; the call reports
// unresolved rather than a partial answer.
func (s *session) fail(err error) {
	log.WithError(err).Error("resolution hook failed")
	s.cpu.Stop()
}
