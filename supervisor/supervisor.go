package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing/fstest"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/genlayerlabs/genvm/fuel"
	"github.com/genlayerlabs/genvm/hostrpc"
	"github.com/genlayerlabs/genvm/message"
	"github.com/genlayerlabs/genvm/runner"
	"github.com/genlayerlabs/genvm/sdk"
	"github.com/genlayerlabs/genvm/wasmcache"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// defaultMemoryReservation is how many bytes of the shared MemoryBudget one
// spawn reserves up front. wazero's own growth bookkeeping enforces the
// guest module's own max-memory declaration; this reservation bounds how
// many concurrently live VMs (main plus however many sandboxes and nondet
// children are nested under it) one top-level call may hold open at once.
const defaultMemoryReservation = 16 * 1024 * 1024

// Supervisor owns the compiled-module cache and runner loader shared across
// every spawn for one host connection, and the fuel/memory budgets shared
// across one top-level call's nested VMs.
type Supervisor struct {
	cache  *wasmcache.Cache
	loader *runner.Loader
	host   hostrpc.Client

	fuel      *fuel.Descriptor
	memBudget *fuel.MemoryBudget

	nondet sdk.NondetRunner
	worker sdk.WorkerCaller

	metrics *Metrics
}

// Config bundles everything New needs.
type Config struct {
	Cache       *wasmcache.Cache
	Loader      *runner.Loader
	Host        hostrpc.Client
	Fuel        *fuel.Descriptor
	MemoryLimit uint64
	Nondet      sdk.NondetRunner
	Worker      sdk.WorkerCaller
	Metrics     *Metrics
}

// New builds a Supervisor for one top-level call.
func New(cfg Config) *Supervisor {
	limit := cfg.MemoryLimit
	if limit == 0 {
		limit = 256 * 1024 * 1024
	}
	return &Supervisor{
		cache:     cfg.Cache,
		loader:    cfg.Loader,
		host:      cfg.Host,
		fuel:      cfg.Fuel,
		memBudget: fuel.NewMemoryBudget(limit),
		nondet:    cfg.Nondet,
		worker:    cfg.Worker,
		metrics:   cfg.Metrics,
	}
}

// Run executes one VM instance: archive is the runner archive bytes (nil to
// synthesize one inline from code), code is the contract's own bytecode,
// self is the account the VM executes as, and cfg carries the determinism
// flag, capability set, storage view, sender, and entry payload for this
// frame. The returned error is reserved for internal failures (spec §7);
// everything the contract itself caused — traps, rollbacks, bad code — is a
// *Result.
func (s *Supervisor) Run(ctx context.Context, archive, code []byte, self calldata.Address, cfg message.Config) (*Result, error) {
	flavor := runner.FlavorNondet
	if cfg.Deterministic {
		flavor = runner.FlavorDet
	}

	var image *runner.Image
	var err error
	if archive != nil {
		image, err = s.loader.Load(archive, flavor, code)
	} else {
		image, err = s.loader.LoadInline(code, flavor)
	}
	if err != nil {
		return s.finish(&Result{Outcome: OutcomeVMError, Message: fmt.Sprintf("assemble image: %v", err)}), nil
	}

	token, err := s.memBudget.Enter(defaultMemoryReservation)
	if err != nil {
		return s.finish(&Result{Outcome: OutcomeVMError, Message: "oom: " + err.Error()}), nil
	}
	defer token.Restore()

	rt := s.cache.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := s.cache.Compile(ctx, rt, image.EntryWasm, cfg.Deterministic)
	if err != nil {
		return s.finish(&Result{Outcome: OutcomeVMError, Message: fmt.Sprintf("compile module: %v", err)}), nil
	}

	sdkInst := sdk.New(sdk.Config{
		Host:          s.host,
		Self:          self,
		Sender:        cfg.Sender,
		Caps:          cfg.Capabilities,
		View:          cfg.View,
		Deterministic: cfg.Deterministic,
		Fuel:          s.fuel,
		Nondet:        s.nondet,
		NondetSpawner: &nondetSpawnAdapter{
			sup:     s,
			ctx:     ctx,
			archive: archive,
			code:    code,
			self:    self,
			sender:  cfg.Sender,
		},
		Sandbox: &sandboxAdapter{
			sup:           s,
			ctx:           ctx,
			archive:       archive,
			code:          code,
			self:          self,
			sender:        cfg.Sender,
			deterministic: cfg.Deterministic,
		},
		Caller: &contractCallAdapter{
			sup:        s,
			ctx:        ctx,
			parentCaps: cfg.Capabilities,
			self:       self,
		},
		Worker:         s.worker,
		EntryPayload:   cfg.EntryPayload,
		EntryStageData: cfg.EntryStageData,
	})

	if _, err := buildEnvModule(ctx, rt, s, sdkInst); err != nil {
		return nil, fmt.Errorf("supervisor: build host module: %w", err)
	}

	if err := s.linkModules(ctx, rt, image, cfg.Deterministic); err != nil {
		return s.finish(&Result{Outcome: OutcomeVMError, Message: fmt.Sprintf("link modules: %v", err)}), nil
	}

	mod, err := rt.InstantiateModule(ctx, compiled, entryModuleConfig(image))
	if err != nil {
		return s.finish(classifyInstantiationError(err)), nil
	}
	defer mod.Close(ctx)

	return s.finish(s.runEntry(ctx, mod, sdkInst)), nil
}

func (s *Supervisor) finish(result *Result) *Result {
	s.metrics.observeSpawn(result.Outcome)
	return result
}

// linkModules instantiates every link-wasm module from the image, in name
// order, calling each one's exported _initialize before the entrypoint runs
// (spec §4.F).
func (s *Supervisor) linkModules(ctx context.Context, rt wazero.Runtime, image *runner.Image, deterministic bool) error {
	names := make([]string, 0, len(image.LinkedWasm))
	for name := range image.LinkedWasm {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		compiled, err := s.cache.Compile(ctx, rt, image.LinkedWasm[name], deterministic)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		linked, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name).WithStartFunctions())
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if initFn := linked.ExportedFunction("_initialize"); initFn != nil {
			if _, err := initFn.Call(ctx); err != nil {
				return fmt.Errorf("%s: _initialize: %w", name, err)
			}
		}
	}
	return nil
}

// entryModuleConfig applies the image's env, args, and mapped files to the
// entrypoint module's configuration. The start function is suppressed so the
// supervisor controls exactly when — and whether — the entrypoint runs.
func entryModuleConfig(image *runner.Image) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(image.EntryName).
		WithStartFunctions()

	args := image.Args
	if len(args) == 0 {
		args = []string{image.EntryName}
	}
	cfg = cfg.WithArgs(args...)

	keys := make([]string, 0, len(image.Env))
	for k := range image.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg = cfg.WithEnv(k, image.Env[k])
	}

	if len(image.Files) > 0 {
		fsys := fstest.MapFS{}
		for name, data := range image.Files {
			for len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
			fsys[name] = &fstest.MapFile{Data: data}
		}
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithFSMount(fsys, "/"))
	}
	return cfg
}

func (s *Supervisor) runEntry(ctx context.Context, mod api.Module, sdkInst *sdk.SDK) *Result {
	entry := mod.ExportedFunction("")
	if entry == nil {
		entry = mod.ExportedFunction("_start")
	}
	if entry == nil {
		return &Result{Outcome: OutcomeVMError, Message: "module exports no entrypoint"}
	}

	_, callErr := entry.Call(ctx)

	// A fatal SDK failure (host RPC error, fuel exhaustion, validator
	// disagreement) overrides whatever the guest did after observing the
	// errno, including the forced shutdown's own exit error.
	if ferr := sdkInst.Fatal(); ferr != nil {
		return &Result{Outcome: OutcomeVMError, Message: ferr.Error()}
	}

	if callErr != nil {
		var exitErr *sys.ExitError
		switch {
		case errors.As(callErr, &exitErr) && exitErr.ExitCode() == 0:
			// proc_exit(0): a clean completion, classified below from the
			// outcome the SDK recorded.
		case ctx.Err() != nil:
			return &Result{Outcome: OutcomeVMError, Message: "timeout"}
		default:
			return classifyTrap(callErr, mod.Memory())
		}
	}

	value, rolledBack, rollbackMsg := sdkInst.Result()
	if rolledBack {
		return &Result{Outcome: OutcomeUserError, Message: rollbackMsg}
	}
	return &Result{Outcome: OutcomeReturn, Value: value}
}

// runChildValue runs a nested spawn and reduces it to the bare return value,
// treating anything but a clean return as an error for the caller to map.
func (s *Supervisor) runChildValue(ctx context.Context, archive, code []byte, self calldata.Address, cfg message.Config) (calldata.Value, error) {
	result, err := s.Run(ctx, archive, code, self, cfg)
	if err != nil {
		return nil, err
	}
	if result.Outcome != OutcomeReturn {
		return nil, fmt.Errorf("supervisor: child ended in %s: %s", result.Outcome, result.Message)
	}
	if result.Value == nil {
		return calldata.Null{}, nil
	}
	return result.Value, nil
}

// nondetSpawnAdapter implements sdk.NondetSpawner over the running frame's
// own image: the leader and validator children re-run the same contract,
// nondeterministically, with capabilities cleared (spec §4.H).
type nondetSpawnAdapter struct {
	sup     *Supervisor
	ctx     context.Context
	archive []byte
	code    []byte
	self    calldata.Address
	sender  calldata.Address
}

func (a *nondetSpawnAdapter) SpawnLeader(payload []byte) (calldata.Value, error) {
	return a.spawn(payload, nil)
}

func (a *nondetSpawnAdapter) SpawnValidator(payload []byte, leaderOutcome calldata.Value) (calldata.Value, error) {
	return a.spawn(payload, leaderOutcome)
}

func (a *nondetSpawnAdapter) spawn(payload []byte, stage calldata.Value) (calldata.Value, error) {
	cfg := message.Config{
		Deterministic:  false,
		Capabilities:   message.Cleared(),
		View:           message.StorageDefault,
		Sender:         a.sender,
		EntryPayload:   payload,
		EntryStageData: stage,
	}
	return a.sup.runChildValue(a.ctx, a.archive, a.code, a.self, cfg)
}

// sandboxAdapter implements sdk.Sandboxer: a sandbox child re-runs the
// frame's own contract under the same determinism flag with a reduced
// capability set, and its whole outcome — success, rollback, or fault — is
// handed back to the caller as a value it can inspect, never as a parent
// failure (spec §4.H: the caller must be able to recover).
type sandboxAdapter struct {
	sup           *Supervisor
	ctx           context.Context
	archive       []byte
	code          []byte
	self          calldata.Address
	sender        calldata.Address
	deterministic bool
}

func (a *sandboxAdapter) Spawn(caps message.Capabilities, entry calldata.Value) (calldata.Value, error) {
	cfg := message.Config{
		Deterministic: a.deterministic,
		Capabilities:  caps,
		View:          message.StorageDefault,
		Sender:        a.sender,
		EntryPayload:  calldata.Encode(entry),
	}
	result, err := a.sup.Run(a.ctx, a.archive, a.code, a.self, cfg)
	if err != nil {
		return nil, err
	}
	return result.AsCalldata(), nil
}

// contractCallAdapter implements sdk.ContractCaller: call_contract fetches
// the target's code through the host and spawns a deterministic child over
// it. The child executes as the target account with the calling contract as
// its sender, and can never hold more capability than the caller — the
// storage-write capability is stripped outright, everything else carries
// over from the caller (spec §4.G).
type contractCallAdapter struct {
	sup        *Supervisor
	ctx        context.Context
	parentCaps message.Capabilities
	self       calldata.Address
}

func contractCallCaps(parent message.Capabilities) message.Capabilities {
	return message.Capabilities{
		ReadStorage:  parent.ReadStorage,
		SendMessages: parent.SendMessages,
		CallOthers:   parent.CallOthers,
		SpawnNondet:  parent.SpawnNondet,
	}
}

func (a *contractCallAdapter) Call(addr calldata.Address, view message.StorageView, payload []byte) (calldata.Value, error) {
	code, err := a.sup.host.GetCode(addr, view)
	if err != nil {
		return nil, err
	}
	cfg := message.Config{
		Deterministic: true,
		Capabilities:  contractCallCaps(a.parentCaps),
		View:          view,
		Sender:        a.self,
		EntryPayload:  payload,
	}
	result, err := a.sup.Run(a.ctx, nil, code, addr, cfg)
	if err != nil {
		return nil, err
	}
	switch result.Outcome {
	case OutcomeReturn, OutcomeUserError:
		return result.AsCalldata(), nil
	default:
		return nil, fmt.Errorf("supervisor: called contract ended in %s: %s", result.Outcome, result.Message)
	}
}
