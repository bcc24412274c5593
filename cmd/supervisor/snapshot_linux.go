//go:build linux

package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/delfador0x42/iris/internal/codesign"
	"github.com/delfador0x42/iris/internal/core"
	"github.com/delfador0x42/iris/internal/scanner"
)

// takeSnapshot enumerates /proc. An unreadable /proc is returned as an
// error; processes that vanish mid-walk are skipped. The snapshot is marked
// truncated only when the walk yields no process at all.
func takeSnapshot() (scanner.Snapshot, error) {
	snap := scanner.Snapshot{TakenAt: time.Now()}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return snap, err
	}
	verifier := codesign.NewCachingVerifier(codesign.NewPlatformVerifier())

	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		exe, err := os.Readlink(filepath.Join("/proc", e.Name(), "exe"))
		if err != nil {
			continue // kernel thread or vanished process
		}
		info := core.ProcessInfo{
			PID:     pid,
			Path:    exe,
			Name:    filepath.Base(exe),
			Signing: core.Unsigned,
		}
		if id, err := verifier.VerifyPID(pid); err == nil {
			info.SigningID = id.SigningID
			info.Signing = id.Status
		}
		snap.Processes = append(snap.Processes, scanner.ProcessRecord{Info: info})
	}
	if len(snap.Processes) == 0 {
		snap.Truncated = true
	}
	return snap, nil
}
