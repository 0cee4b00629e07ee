// Package supervisor drives one VM spawn end to end: assembling the guest
// image via runner.Loader, compiling it via wasmcache.Cache, wiring the
// gl_call host function to an sdk.SDK, running the entrypoint, and
// classifying what came out the other side. The spawn state machine
// (Assembled → Running → {Return, UserError, VMError, Trap}) follows the
// same shape as the teacher's dual executor dispatch
// (core/vm/dispatcher_goevm.go, core/vm/dispatcher_revm.go): one interface,
// two concrete backends selected at compile time there and by a
// determinism flag here, both funnelling into a single outcome.
package supervisor

import (
	"github.com/genlayerlabs/genvm/calldata"
)

// AsCalldata serializes a Result into the outcome shape nested callers and
// the host protocol consume: a one-entry map keyed by the outcome class.
func (r *Result) AsCalldata() calldata.Value {
	switch r.Outcome {
	case OutcomeReturn:
		v := r.Value
		if v == nil {
			v = calldata.Null{}
		}
		return calldata.NewMap(calldata.MapEntry{Key: "ok", Value: v})
	case OutcomeUserError:
		return calldata.NewMap(calldata.MapEntry{Key: "user_error", Value: calldata.Str(r.Message)})
	default:
		return calldata.NewMap(calldata.MapEntry{Key: "vm_error", Value: calldata.Str(r.Message)})
	}
}

// Outcome classifies how a spawn ended.
type Outcome uint8

const (
	// OutcomeReturn is a normal completion: the guest called "return" (or
	// fell off the end of its entrypoint) with no pending rollback.
	OutcomeReturn Outcome = iota
	// OutcomeUserError is a normal completion where the guest explicitly
	// rolled back via "rollback".
	OutcomeUserError
	// OutcomeVMError is a host-observed failure that is not the guest's
	// fault: a host RPC error, an out-of-fuel condition, a validator
	// disagreement, or a timeout. A capability violation surfaced as a
	// *sdk.Fault is not one of these: the guest sees it as an errno.
	OutcomeVMError
	// OutcomeTrap is a wasm-level trap: an unreachable instruction, an
	// out-of-bounds memory access, a stack overflow, or similar.
	OutcomeTrap
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReturn:
		return "return"
	case OutcomeUserError:
		return "user_error"
	case OutcomeVMError:
		return "vm_error"
	case OutcomeTrap:
		return "trap"
	default:
		return "unknown"
	}
}

// Result is everything a spawn produces, handed back to the caller (the
// top-level run command, or a parent VM that spawned a sandbox/nondet
// child).
type Result struct {
	Outcome     Outcome
	Value       calldata.Value
	Message     string
	Fingerprint []byte
}
