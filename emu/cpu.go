package emu

// Hook is an opaque handle returned by HookAdd, usable only with HookDel.
type Hook interface{}

// Cpu abstracts the minimum functionality the resolver requires in a CPU
// emulation engine. The production implementation lives in emu/ucorn; tests
// substitute a software model built from Mem, Regs and Hooks.
type Cpu interface {
	// memory mapping
	MemMap(addr, size uint64, prot int) error
	MemUnmap(addr, size uint64) error

	// memory IO
	MemRead(addr, size uint64) ([]byte, error)
	MemReadInto(p []byte, addr uint64) error
	MemWrite(addr uint64, p []byte) error

	// register IO
	RegRead(reg int) (uint64, error)
	RegWrite(reg int, val uint64) error
	// model-specific registers, used to bind segment bases
	RegWriteMsr(msr, val uint64) error

	// execution
	Start(begin, until uint64) error
	Stop() error

	// hooks
	HookAdd(htype int, cb interface{}, begin, end uint64, extra ...int) (Hook, error)
	HookDel(hook Hook) error

	// cleanup
	Close() error
}
