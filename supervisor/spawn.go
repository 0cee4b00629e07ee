package supervisor

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// classifyTrap turns whatever error wazero's function call returned into a
// Result. A *sys.ExitError with a zero exit code is a clean completion
// racing the SDK's own "return" bookkeeping (some guest runtimes call
// proc_exit(0) instead of falling off the end of main); any nonzero exit is
// a vm-error; anything else wazero surfaces is a genuine trap and gets
// fingerprinted.
func classifyTrap(err error, mem api.Memory) *Result {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return &Result{Outcome: OutcomeReturn}
		}
		return &Result{
			Outcome: OutcomeVMError,
			Message: fmt.Sprintf("guest exited with code %d", exitErr.ExitCode()),
		}
	}

	return &Result{
		Outcome:     OutcomeTrap,
		Message:     "wasm_trap: " + err.Error(),
		Fingerprint: fingerprint(err, mem),
	}
}

// classifyInstantiationError handles a failure to even start the module
// (missing required exports, a start function that traps immediately). This
// is always treated as a trap: the guest never reached a state where it
// could have produced a deliberate outcome.
func classifyInstantiationError(err error) *Result {
	return &Result{
		Outcome: OutcomeTrap,
		Message: err.Error(),
	}
}
