package emu

// hook enums share Unicorn's values so implementations can pass them through
const (
	// hook each executed basic block
	HOOK_BLOCK = 8

	// hook each executed instruction
	HOOK_CODE = 4

	// hook accesses to unmapped memory
	HOOK_MEM_UNMAPPED = 112

	// hook accesses violating page protections
	HOOK_MEM_PROT = 896

	// hook all memory errors
	HOOK_MEM_ERR = HOOK_MEM_UNMAPPED | HOOK_MEM_PROT
)

// these enums describe the fault type passed to a HOOK_MEM_ERR callback
const (
	MEM_READ_UNMAPPED  = 19
	MEM_WRITE_UNMAPPED = 20
	MEM_FETCH_UNMAPPED = 21
	MEM_WRITE_PROT     = 12
	MEM_READ_PROT      = 13
	MEM_FETCH_PROT     = 14
)

// memory protections
const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = 7
)
