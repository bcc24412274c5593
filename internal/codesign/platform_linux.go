//go:build linux

package codesign

// NewPlatformVerifier returns the host code-signing verifier.
func NewPlatformVerifier() Verifier { return ProcVerifier{} }
