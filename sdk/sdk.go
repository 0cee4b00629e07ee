package sdk

import (
	"math/big"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/genlayerlabs/genvm/fuel"
	"github.com/genlayerlabs/genvm/hostrpc"
	"github.com/genlayerlabs/genvm/message"
)

// NondetRunner executes the leader/validator protocol over a distinct
// leader and validator payload, spawning each role's child VM through
// spawner, and returns the agreed-upon result. The sdk package only depends
// on this narrow interface; the nondet package provides the real
// implementation.
type NondetRunner interface {
	Run(spawner NondetSpawner, leaderPayload, validatorPayload []byte) (calldata.Value, error)
}

// NondetSpawner spawns the child VMs a nondet block's leader and validator
// roles each need (spec §4.H). SpawnLeader runs leaderPayload with
// capabilities cleared; SpawnValidator runs validatorPayload, also with
// capabilities cleared, but with the leader's own outcome injected as
// entry_stage_data. Both return the child's "return" value; the validator's
// is expected to be a single byte (16 agrees, anything else disagrees). The
// supervisor package provides the real implementation.
type NondetSpawner interface {
	SpawnLeader(payload []byte) (calldata.Value, error)
	SpawnValidator(payload []byte, leaderOutcome calldata.Value) (calldata.Value, error)
}

// Sandboxer spawns a synchronous child VM with the same determinism flag as
// its caller but a reduced capability set, and returns the child's outcome
// encoded as a Value. The supervisor package provides the real
// implementation.
type Sandboxer interface {
	Spawn(caps message.Capabilities, entry calldata.Value) (calldata.Value, error)
}

// ContractCaller spawns a deterministic, read-only child VM against another
// contract's code for call_contract (spec §4.G): the caller's own write
// capability never propagates to the child, and view selects which storage
// snapshot it observes. The supervisor package provides the real
// implementation.
type ContractCaller interface {
	Call(addr calldata.Address, view message.StorageView, payload []byte) (calldata.Value, error)
}

// WorkerCaller dispatches one request to an external worker (web, LLM) over
// its persistent connection and returns the worker's response payload. The
// workerclient package provides the real implementation.
type WorkerCaller interface {
	Call(kind string, req []byte) ([]byte, error)
}

// SDK is the per-call context every gl_call variant executes against. One
// SDK is constructed per running contract instance; its fdTable and emitted
// value ledger are private to that instance, unlike
// the teacher's process-wide CGO handle table.
type SDK struct {
	host          hostrpc.Client
	self          calldata.Address
	sender        calldata.Address
	caps          message.Capabilities
	view          message.StorageView
	deterministic bool
	fuel          *fuel.Descriptor

	storage *storageGuard
	fds     *fdTable

	nondet        NondetRunner
	nondetSpawner NondetSpawner
	sandbox       Sandboxer
	caller        ContractCaller
	worker        WorkerCaller

	entryPayload   []byte
	entryStageData calldata.Value

	emittedValue *big.Int

	// pendingResult and rolledBack capture the outcome of a "return" or
	// "rollback" gl_call, read by the supervisor once the guest's exported
	// entrypoint returns control.
	pendingResult calldata.Value
	rolledBack    bool
	rollbackMsg   string

	// fatal records the first VM-level failure any SDK entry hit: a host RPC
	// error, fuel exhaustion, a validator disagreement. The guest still
	// observes an errno-valued response, but the supervisor terminates the
	// frame and reports this error as the frame's vm-error outcome instead of
	// whatever the guest does next.
	fatal error
}

// Config bundles everything New needs to build an SDK instance.
type Config struct {
	Host           hostrpc.Client
	Self           calldata.Address
	Sender         calldata.Address
	Caps           message.Capabilities
	View           message.StorageView
	Deterministic  bool
	Fuel           *fuel.Descriptor
	Nondet         NondetRunner
	NondetSpawner  NondetSpawner
	Sandbox        Sandboxer
	Caller         ContractCaller
	Worker         WorkerCaller
	EntryPayload   []byte
	EntryStageData calldata.Value
}

// New builds an SDK instance for one running contract call.
func New(cfg Config) *SDK {
	s := &SDK{
		host:           cfg.Host,
		self:           cfg.Self,
		sender:         cfg.Sender,
		caps:           cfg.Caps,
		view:           cfg.View,
		deterministic:  cfg.Deterministic,
		fuel:           cfg.Fuel,
		nondet:         cfg.Nondet,
		nondetSpawner:  cfg.NondetSpawner,
		sandbox:        cfg.Sandbox,
		caller:         cfg.Caller,
		worker:         cfg.Worker,
		fds:            newFDTable(),
		emittedValue:   new(big.Int),
		entryPayload:   cfg.EntryPayload,
		entryStageData: cfg.EntryStageData,
	}
	s.storage = &storageGuard{host: s.host, self: s.self, caps: s.caps, view: s.view}
	return s
}

// Result reports the outcome recorded by the most recent "return" or
// "rollback" gl_call, if any.
func (s *SDK) Result() (value calldata.Value, rolledBack bool, rollbackMsg string) {
	return s.pendingResult, s.rolledBack, s.rollbackMsg
}

// Fatal reports the first VM-level failure any SDK entry recorded, or nil.
// A non-nil Fatal overrides whatever Result says: the supervisor classifies
// the frame as a vm-error carrying this error's message.
func (s *SDK) Fatal() error {
	return s.fatal
}

// noteErr records err as the frame's fatal failure unless it is a *Fault —
// faults are guest-visible errnos, not VM failures — and returns it
// unchanged so call sites can wrap the check around their own return.
func (s *SDK) noteErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Fault); !ok && s.fatal == nil {
		s.fatal = err
	}
	return err
}

// WorkerUserError is implemented by worker transport errors that carry a
// contract-visible user error (the worker's "user_error" response field)
// rather than an infrastructure fault. Checked with errors.As so the sdk
// package needs no dependency on any concrete transport.
type WorkerUserError interface {
	error
	WorkerUserError() string
}
