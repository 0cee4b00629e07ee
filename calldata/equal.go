package calldata

// Equal reports whether a and b encode to the same canonical bytes. It is
// used by tests and by callers that need value equality without caring about
// the concrete Go representation (e.g. *big.Int identity).
func Equal(a, b Value) bool {
	ea, eb := Encode(a), Encode(b)
	if len(ea) != len(eb) {
		return false
	}
	for i := range ea {
		if ea[i] != eb[i] {
			return false
		}
	}
	return true
}
