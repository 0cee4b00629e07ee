package wasmcache

import "testing"

// emptyModule is the smallest valid wasm binary: magic + version, no
// sections at all.
func emptyModule() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

func appendSection(mod []byte, id byte, body []byte) []byte {
	mod = append(mod, id)
	mod = appendULEB32(mod, uint64(len(body)))
	return append(mod, body...)
}

func appendULEB32(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
		} else {
			dst = append(dst, b)
			return dst
		}
	}
}

func TestScanForFloatsAcceptsIntOnlyModule(t *testing.T) {
	mod := emptyModule()
	// Type section: one functype () -> (i32)
	typeBody := []byte{0x01, 0x60, 0x00, 0x01, 0x7F}
	mod = appendSection(mod, secType, typeBody)
	if err := scanForFloats(mod); err != nil {
		t.Fatalf("scanForFloats: %v", err)
	}
}

func TestScanForFloatsRejectsFloatSignature(t *testing.T) {
	mod := emptyModule()
	// Type section: one functype () -> (f64)
	typeBody := []byte{0x01, 0x60, 0x00, 0x01, valF64}
	mod = appendSection(mod, secType, typeBody)
	if err := scanForFloats(mod); err != ErrFloatsForbidden {
		t.Fatalf("got %v, want ErrFloatsForbidden", err)
	}
}

func TestScanForFloatsRejectsFloatGlobal(t *testing.T) {
	mod := emptyModule()
	// Global section: one global, f32, immutable, init expr i32.const 0 end
	globalBody := []byte{0x01, valF32, 0x00, 0x41, 0x00, 0x0B}
	mod = appendSection(mod, secGlobal, globalBody)
	if err := scanForFloats(mod); err != ErrFloatsForbidden {
		t.Fatalf("got %v, want ErrFloatsForbidden", err)
	}
}

func TestScanForFloatsRejectsFloatLocal(t *testing.T) {
	mod := emptyModule()
	// Code section: one function body with one local decl group of type f32.
	funcBody := []byte{0x01, 0x01, valF32, 0x0B} // 1 decl group, count=1, type=f32, end
	codeBody := []byte{0x01}
	codeBody = appendULEB32(codeBody, uint64(len(funcBody)))
	codeBody = append(codeBody, funcBody...)
	mod = appendSection(mod, secCode, codeBody)
	if err := scanForFloats(mod); err != ErrFloatsForbidden {
		t.Fatalf("got %v, want ErrFloatsForbidden", err)
	}
}

func TestScanForFloatsRejectsNonWasm(t *testing.T) {
	if err := scanForFloats([]byte("not wasm")); err == nil {
		t.Fatalf("expected error for non-wasm input")
	}
}
