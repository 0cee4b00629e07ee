package supervisor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/genlayerlabs/genvm/calldata"
	"github.com/genlayerlabs/genvm/sdk"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// abortExitCode is the exit code the supervisor closes a module with when an
// SDK entry records a fatal failure mid-call. The guest's unwind with this
// code is never reported as-is: runEntry consults the SDK's fatal error
// first, so the code only needs to be distinguishable from a genuine
// proc_exit(0).
const abortExitCode uint32 = 250

// buildEnvModule registers the host imports every guest module links
// against, all under the conventional "env" module: the gl_call
// multiplexer, the fd accessors its responses are read through, the direct
// storage imports, and the balance queries (spec §4.G registers
// storage_read/storage_write/get_balance/get_self_balance as their own
// imports rather than funneling them through gl_call).
func buildEnvModule(ctx context.Context, rt wazero.Runtime, sup *Supervisor, sdkInst *sdk.SDK) (api.Module, error) {
	b := rt.NewHostModuleBuilder("env")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint32 {
			return glCall(ctx, mod, sup, sdkInst, reqPtr, reqLen)
		}).
		Export("gl_call")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd uint32) uint32 {
			data, ok := sdkInst.ReadFD(fd)
			abortIfFatal(ctx, mod, sdkInst)
			if !ok {
				return 0
			}
			return uint32(len(data))
		}).
		Export("fd_len")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, ptr uint32) uint32 {
			data, ok := sdkInst.ReadFD(fd)
			abortIfFatal(ctx, mod, sdkInst)
			if !ok {
				return uint32(sdk.ErrnoAbsent)
			}
			if len(data) > 0 && !mod.Memory().Write(ptr, data) {
				panic(fmt.Errorf("fd_read: buffer out of bounds at %d", ptr))
			}
			return uint32(sdk.ErrnoSuccess)
		}).
		Export("fd_read")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, fd uint32) {
			sdkInst.CloseFD(fd)
		}).
		Export("fd_close")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, slotPtr, index, bufPtr, bufLen uint32) uint32 {
			slot := readSlot(mod, slotPtr)
			data, err := sdkInst.StorageRead(slot, index, bufLen)
			abortIfFatal(ctx, mod, sdkInst)
			if err != nil {
				return uint32(sdk.ErrnoOf(err))
			}
			if len(data) > 0 && !mod.Memory().Write(bufPtr, data) {
				panic(fmt.Errorf("storage_read: buffer out of bounds at %d", bufPtr))
			}
			return uint32(sdk.ErrnoSuccess)
		}).
		Export("storage_read")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, slotPtr, index, bufPtr, bufLen uint32) uint32 {
			slot := readSlot(mod, slotPtr)
			data, ok := mod.Memory().Read(bufPtr, bufLen)
			if !ok {
				panic(fmt.Errorf("storage_write: buffer out of bounds at %d", bufPtr))
			}
			err := sdkInst.StorageWrite(slot, index, data)
			abortIfFatal(ctx, mod, sdkInst)
			return uint32(sdk.ErrnoOf(err))
		}).
		Export("storage_write")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, addrPtr, outPtr uint32) uint32 {
			addr := readAddress(mod, addrPtr)
			bal, err := sdkInst.Balance(addr)
			abortIfFatal(ctx, mod, sdkInst)
			if err != nil {
				return uint32(sdk.ErrnoOf(err))
			}
			writeBalance(mod, outPtr, bal)
			return uint32(sdk.ErrnoSuccess)
		}).
		Export("get_balance")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, outPtr uint32) uint32 {
			bal, err := sdkInst.SelfBalance()
			abortIfFatal(ctx, mod, sdkInst)
			if err != nil {
				return uint32(sdk.ErrnoOf(err))
			}
			writeBalance(mod, outPtr, bal)
			return uint32(sdk.ErrnoSuccess)
		}).
		Export("get_self_balance")

	return b.Instantiate(ctx)
}

// glCall is the gl_call trampoline: read the request calldata out of guest
// memory, dispatch it through sdk.SDK.Call, and hand back the file
// descriptor the response is read through. Out-of-bounds request pointers
// are host-side traps, not errnos (spec §4.G).
func glCall(ctx context.Context, mod api.Module, sup *Supervisor, sdkInst *sdk.SDK, reqPtr, reqLen uint32) uint32 {
	raw, ok := mod.Memory().Read(reqPtr, reqLen)
	if !ok {
		panic(fmt.Errorf("gl_call: request out of bounds at %d+%d", reqPtr, reqLen))
	}

	var before uint64
	if sup.fuel != nil {
		before = sup.fuel.Remaining()
	}

	var fd uint32
	req, err := calldata.Decode(raw)
	if err != nil {
		fd = sdkInst.FaultFD(sdk.NewFault(sdk.ErrnoInval, "gl_call request is not valid calldata"))
	} else if reqMap, ok := req.(*calldata.Map); !ok {
		fd = sdkInst.FaultFD(sdk.NewFault(sdk.ErrnoInval, "gl_call request must be a map"))
	} else {
		fd = sdkInst.Call(reqMap)
	}

	if sup.fuel != nil {
		if after := sup.fuel.Remaining(); after < before {
			sup.metrics.observeFuel(before - after)
		}
	}
	abortIfFatal(ctx, mod, sdkInst)
	return fd
}

// abortIfFatal forces the guest to stop at its next suspension point once an
// SDK entry has recorded a fatal failure; runEntry reports the recorded
// error, not the induced exit.
func abortIfFatal(ctx context.Context, mod api.Module, sdkInst *sdk.SDK) {
	if sdkInst.Fatal() != nil {
		_ = mod.CloseWithExitCode(ctx, abortExitCode)
	}
}

func readSlot(mod api.Module, ptr uint32) calldata.SlotID {
	raw, ok := mod.Memory().Read(ptr, 32)
	if !ok {
		panic(fmt.Errorf("slot id out of bounds at %d", ptr))
	}
	var slot calldata.SlotID
	copy(slot[:], raw)
	return slot
}

func readAddress(mod api.Module, ptr uint32) calldata.Address {
	raw, ok := mod.Memory().Read(ptr, 20)
	if !ok {
		panic(fmt.Errorf("address out of bounds at %d", ptr))
	}
	var addr calldata.Address
	copy(addr[:], raw)
	return addr
}

// writeBalance stores bal at ptr as a 32-byte big-endian value, the same
// fixed-width layout the host protocol itself uses for balances.
func writeBalance(mod api.Module, ptr uint32, bal *big.Int) {
	var out [32]byte
	bal.FillBytes(out[:])
	if !mod.Memory().Write(ptr, out[:]) {
		panic(fmt.Errorf("balance out of bounds at %d", ptr))
	}
}
