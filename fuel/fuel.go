// Package fuel implements the process-shared fuel counter threaded through
// nested VMs, and the memory budget nested VM instantiation draws against.
// Both are grounded in the teacher's atomic handle-counter idiom
// (revm_bridge/handles.go uses atomic.AddUintptr to hand out stable,
// monotonically increasing handles across a CGO boundary); here the same
// compare-and-swap style is used to make fuel debits and memory reservations
// safe across concurrently executing nested VMs.
package fuel

import (
	"fmt"
	"sync/atomic"
)

// ErrOutOfFuel is returned by Charge when the requested amount would drive
// the remaining balance below zero.
var ErrOutOfFuel = fmt.Errorf("fuel: out of fuel")

// Descriptor is a process-shared fuel counter. A single Descriptor is
// created for the outermost VM and passed down to every nested VM it spawns,
// so a deep chain of sandboxed or nondet calls all draw against the same
// budget.
type Descriptor struct {
	remaining atomic.Int64
	injected  atomic.Int64
}

// NewDescriptor creates a Descriptor with the given starting balance.
func NewDescriptor(initial uint64) *Descriptor {
	d := &Descriptor{}
	d.remaining.Store(int64(initial))
	return d
}

// Remaining returns the current balance.
func (d *Descriptor) Remaining() uint64 {
	v := d.remaining.Load()
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// Charge debits n from the balance, failing with ErrOutOfFuel instead of
// letting the balance go negative. The balance never increases except
// through Refund, matching the "monotonic non-increase except explicit host
// refund" invariant.
func (d *Descriptor) Charge(n uint64) error {
	if n == 0 {
		return nil
	}
	for {
		cur := d.remaining.Load()
		next := cur - int64(n)
		if next < 0 {
			return ErrOutOfFuel
		}
		if d.remaining.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Refund credits n back to the balance. Only the host may call this; guest
// code never observes a fuel increase from its own actions.
func (d *Descriptor) Refund(n uint64) {
	if n == 0 {
		return
	}
	d.remaining.Add(int64(n))
	d.injected.Add(int64(n))
}

// TotalRefunded reports the cumulative amount ever credited via Refund,
// independent of subsequent charges, for diagnostics and metrics.
func (d *Descriptor) TotalRefunded() uint64 {
	return uint64(d.injected.Load())
}
