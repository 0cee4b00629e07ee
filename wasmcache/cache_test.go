package wasmcache

import (
	"context"
	"testing"
)

func TestCompileAcceptsEmptyModuleUnderBothFlavors(t *testing.T) {
	ctx := context.Background()
	c, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	mod := emptyModule()
	for _, deterministic := range []bool{true, false} {
		rt := c.NewRuntime(ctx)
		if _, err := c.Compile(ctx, rt, mod, deterministic); err != nil {
			t.Fatalf("Compile (deterministic=%v): %v", deterministic, err)
		}
		rt.Close(ctx)
	}
}

func TestCompileRejectsFloatModuleUnderDeterministicFlavor(t *testing.T) {
	ctx := context.Background()
	c, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(ctx)

	mod := emptyModule()
	typeBody := []byte{0x01, 0x60, 0x00, 0x01, valF64}
	mod = appendSection(mod, secType, typeBody)

	rt := c.NewRuntime(ctx)
	defer rt.Close(ctx)

	if _, err := c.Compile(ctx, rt, mod, true); err != ErrFloatsForbidden {
		t.Fatalf("got %v, want ErrFloatsForbidden", err)
	}
	// The verdict is memoized; a second attempt must fail identically
	// without rescanning producing a different error.
	if _, err := c.Compile(ctx, rt, mod, true); err != ErrFloatsForbidden {
		t.Fatalf("memoized verdict: got %v, want ErrFloatsForbidden", err)
	}
	if _, err := c.Compile(ctx, rt, mod, false); err != nil {
		t.Fatalf("nondet Compile should accept floats: %v", err)
	}
}

func TestVerdictMemoizedByDigest(t *testing.T) {
	c, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(context.Background())

	mod := emptyModule()
	if err := c.checkDeterministic(mod); err != nil {
		t.Fatalf("checkDeterministic: %v", err)
	}
	if _, ok := c.verdicts.Get(digestOf(mod)); !ok {
		t.Fatalf("expected the verdict to be memoized under the module's digest")
	}
}
