package wasmcache

import "fmt"

// ErrFloatsForbidden is returned by Compile for the deterministic flavor
// when the module declares any f32 or f64 value anywhere reachable by a
// cheap static scan: function signatures, globals, or local declarations.
// wazero itself has no toggle for this (floating point is part of the wasm
// core spec, not an optional feature), so determinism is enforced here by
// rejecting the module before it ever reaches the runtime.
var ErrFloatsForbidden = fmt.Errorf("wasmcache: module uses floating point, forbidden in the deterministic engine")

const (
	valF32 = 0x7D
	valF64 = 0x7C

	secType     = 1
	secImport   = 2
	secFunction = 3
	secGlobal   = 6
	secCode     = 10
)

// scanForFloats performs a minimal structural walk of a wasm binary's
// sections, looking only for the value-type bytes 0x7C (f64) and 0x7D (f32)
// in positions that can only be a type: function signatures, global types,
// and local variable declarations. It does not disassemble function bodies,
// so it cannot catch a float constant folded into an otherwise
// integer-typed stack slot by an adversarial encoder; callers that need a
// stronger guarantee should pair this with fuel-metered execution trapping
// on any float instruction the guest module actually executes.
func scanForFloats(code []byte) error {
	if len(code) < 8 || string(code[:4]) != "\x00asm" {
		return fmt.Errorf("wasmcache: not a wasm binary")
	}
	pos := 8
	for pos < len(code) {
		id := code[pos]
		pos++
		size, n, err := readULEB32(code[pos:])
		if err != nil {
			return err
		}
		pos += n
		if pos+int(size) > len(code) {
			return fmt.Errorf("wasmcache: section %d overruns module", id)
		}
		body := code[pos : pos+int(size)]
		switch id {
		case secType:
			if err := scanTypeSection(body); err != nil {
				return err
			}
		case secGlobal:
			if err := scanGlobalSection(body); err != nil {
				return err
			}
		case secCode:
			if err := scanCodeSection(body); err != nil {
				return err
			}
		}
		pos += int(size)
	}
	return nil
}

func readULEB32(b []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		byt := b[i]
		result |= uint64(byt&0x7f) << shift
		if byt&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift > 35 {
			return 0, 0, fmt.Errorf("wasmcache: malformed varuint32")
		}
	}
	return 0, 0, fmt.Errorf("wasmcache: truncated varuint32")
}

func scanTypeSection(body []byte) error {
	pos := 0
	count, n, err := readULEB32(body[pos:])
	if err != nil {
		return err
	}
	pos += n
	for i := uint64(0); i < count; i++ {
		if pos >= len(body) || body[pos] != 0x60 {
			return fmt.Errorf("wasmcache: malformed functype")
		}
		pos++
		if err := scanValtypeVec(body, &pos); err != nil {
			return err
		}
		if err := scanValtypeVec(body, &pos); err != nil {
			return err
		}
	}
	return nil
}

func scanValtypeVec(body []byte, pos *int) error {
	count, n, err := readULEB32(body[*pos:])
	if err != nil {
		return err
	}
	*pos += n
	for i := uint64(0); i < count; i++ {
		if *pos >= len(body) {
			return fmt.Errorf("wasmcache: truncated valtype vector")
		}
		if body[*pos] == valF32 || body[*pos] == valF64 {
			return ErrFloatsForbidden
		}
		*pos++
	}
	return nil
}

func scanGlobalSection(body []byte) error {
	pos := 0
	count, n, err := readULEB32(body[pos:])
	if err != nil {
		return err
	}
	pos += n
	for i := uint64(0); i < count; i++ {
		if pos >= len(body) {
			return fmt.Errorf("wasmcache: truncated global section")
		}
		if body[pos] == valF32 || body[pos] == valF64 {
			return ErrFloatsForbidden
		}
		// Skip valtype(1) + mutability(1); the init expression is a constant
		// expression terminated by 0x0B, skipped byte-by-byte since this
		// scan does not need its value.
		pos += 2
		for pos < len(body) && body[pos] != 0x0B {
			pos++
		}
		pos++ // consume the 0x0B end opcode
	}
	return nil
}

func scanCodeSection(body []byte) error {
	pos := 0
	count, n, err := readULEB32(body[pos:])
	if err != nil {
		return err
	}
	pos += n
	for i := uint64(0); i < count; i++ {
		bodySize, n, err := readULEB32(body[pos:])
		if err != nil {
			return err
		}
		pos += n
		if pos+int(bodySize) > len(body) {
			return fmt.Errorf("wasmcache: function body overruns code section")
		}
		funcBody := body[pos : pos+int(bodySize)]
		pos += int(bodySize)

		fpos := 0
		localDeclCount, n, err := readULEB32(funcBody[fpos:])
		if err != nil {
			return err
		}
		fpos += n
		for j := uint64(0); j < localDeclCount; j++ {
			_, n, err := readULEB32(funcBody[fpos:])
			if err != nil {
				return err
			}
			fpos += n
			if fpos >= len(funcBody) {
				return fmt.Errorf("wasmcache: truncated local declaration")
			}
			if funcBody[fpos] == valF32 || funcBody[fpos] == valF64 {
				return ErrFloatsForbidden
			}
			fpos++
		}
	}
	return nil
}
