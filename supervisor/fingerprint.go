package supervisor

import (
	"crypto/sha256"

	"github.com/tetratelabs/wazero/api"
)

// fingerprint derives a stable identifier for a trap: the trap's own error
// text (wazero includes the wasm stack trace in it) combined with a digest
// of the guest's linear memory at the moment of the trap, so two
// validators hitting the same trap on the same inputs produce identical
// fingerprints, and an unrelated trap never collides with it by accident.
func fingerprint(trapErr error, mem api.Memory) []byte {
	h := sha256.New()
	h.Write([]byte(trapErr.Error()))
	if mem != nil {
		if snapshot, ok := mem.Read(0, mem.Size()); ok {
			memDigest := sha256.Sum256(snapshot)
			h.Write(memDigest[:])
		}
	}
	sum := h.Sum(nil)
	return sum
}
