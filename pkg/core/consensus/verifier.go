package consensus

// ProofVerifier checks a header's embedded proof-of-work solution.
// Implementations include equihash.Validator (production) and test stubs.
// The chain-specific puzzle parameters are fixed at construction.
type ProofVerifier interface {
	// IsValid reports whether solution is a valid proof for the serialized
	// header bytes and the 32-byte nonce.
	IsValid(headerBytes, nonce, solution []byte) bool
}
