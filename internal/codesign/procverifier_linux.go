//go:build linux

package codesign

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/delfador0x42/iris/internal/core"
)

// ProcVerifier is the Linux stand-in for the platform code-signing API:
// it resolves the binary path from procfs and classifies by origin. System
// packages map to the platform-signed tier, everything else to ad-hoc.
type ProcVerifier struct{}

var systemPrefixes = []string{"/usr/bin/", "/usr/sbin/", "/bin/", "/sbin/", "/usr/lib/"}

// VerifyPID resolves /proc/<pid>/exe and classifies it.
func (ProcVerifier) VerifyPID(pid int) (Identity, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return Identity{Status: core.Unsigned}, fmt.Errorf("codesign: resolve pid %d: %w", pid, err)
	}
	id := Identity{
		SigningID: filepath.Base(path),
		Status:    core.SignedAdHoc,
	}
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(path, prefix) {
			id.Status = core.SignedApple
			break
		}
	}
	return id, nil
}
