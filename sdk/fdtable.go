package sdk

import (
	"sync"
	"sync/atomic"

	"github.com/genlayerlabs/genvm/calldata"
)

// futureFile is the virtual file a gl_call response materializes into:
// spec.md §4.G requires every value-producing variant to hand the guest a
// file descriptor, not the bytes directly, and a forwarded non-deterministic
// operation (web/LLM) to be "backed by a task that completes asynchronously;
// the first read awaits the task." Since wasm execution on this runtime is
// single-threaded with cooperative suspension only at host-call boundaries
// (spec.md §5), "awaiting the task" is modeled as lazily invoking compute
// the first time the file is read, rather than spawning a goroutine: no
// other VM code runs between registration and that first read anyway.
type futureFile struct {
	mu       sync.Mutex
	resolved bool
	data     []byte
	compute  func() (calldata.Value, error)
}

func readyFile(v calldata.Value) *futureFile {
	return &futureFile{resolved: true, data: calldata.Encode(v)}
}

func lazyFile(compute func() (calldata.Value, error)) *futureFile {
	return &futureFile{compute: compute}
}

// resolve returns the file's encoded contents, running its compute closure on
// the first call only. A compute failure is encoded as a fault value rather
// than returned as a Go error: every fd_read response, success or fault, is a
// normal decodable value, matching gl_call's own convention.
func (f *futureFile) resolve() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return f.data
	}
	f.resolved = true
	v, err := f.compute()
	if err != nil {
		f.data = calldata.Encode(faultValue(err))
		return f.data
	}
	f.data = calldata.Encode(v)
	return f.data
}

// fdTable is a per-instance registry of open handles (gl_call responses,
// in-flight worker requests) addressed by a small integer the guest can
// hold in a wasm i32 local. The shape — an atomically-incremented sequence
// paired with a concurrent map — mirrors revm_bridge/handles.go's
// process-wide CGO handle table, scoped down to one table per running
// contract instead of one table for the whole process.
type fdTable struct {
	seq   atomic.Uint32
	slots sync.Map // map[uint32]any
}

func newFDTable() *fdTable {
	return &fdTable{}
}

// alloc reserves the next handle and stores value under it.
func (t *fdTable) alloc(value any) uint32 {
	h := t.seq.Add(1)
	t.slots.Store(h, value)
	return h
}

// get looks up the value stored under handle.
func (t *fdTable) get(handle uint32) (any, bool) {
	return t.slots.Load(handle)
}

// release removes handle from the table. Releasing an unknown handle is a
// no-op; callers that need to distinguish "already released" from "never
// existed" should check get first.
func (t *fdTable) release(handle uint32) {
	t.slots.Delete(handle)
}
