//go:build !linux

package codesign

import (
	"errors"

	"github.com/delfador0x42/iris/internal/core"
)

type unsupportedVerifier struct{}

func (unsupportedVerifier) VerifyPID(int) (Identity, error) {
	return Identity{Status: core.Unsigned}, errors.New("codesign: no platform verifier on this OS")
}

// NewPlatformVerifier returns the host code-signing verifier.
func NewPlatformVerifier() Verifier { return unsupportedVerifier{} }
