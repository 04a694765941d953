package resolve

// bogusOutcome is the simulated result of a decoy API call: the value left in
// the result register and the argument count for stack cleanup.
type bogusOutcome struct {
	ret  uint64
	args int
}

// Decoy calls some protectors insert into wrappers purely to derail
// emulation-based analysis. They are simulated, never executed.
var bogusAPIs = map[string]bogusOutcome{
	"Sleep": {ret: 0, args: 1},
}

// APIs that end the wrapper's execution path outright. Reaching one is a
// terminal resolution: the code after the call never runs.
var noReturnAPIs = map[string]bool{
	"ExitProcess": true,
	"FatalExit":   true,
	"ExitThread":  true,
}
