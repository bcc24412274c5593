package scanner

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/delfador0x42/iris/internal/core"
)

// UnsignedProcScanner flags running binaries with no acceptable signature.
type UnsignedProcScanner struct{}

func (UnsignedProcScanner) ID() string { return "proc-unsigned" }
func (UnsignedProcScanner) Tier() Tier { return TierFast }

func (UnsignedProcScanner) Run(_ context.Context, snap Snapshot) ([]core.ProcessAnomaly, error) {
	var out []core.ProcessAnomaly
	for _, p := range snap.Processes {
		if p.Info.Signing != core.Unsigned && p.Info.Signing != core.SignedAdHoc {
			continue
		}
		out = append(out, core.ProcessAnomaly{
			ScannerID: "proc-unsigned",
			Process:   p.Info,
			Title:     "Unsigned or ad-hoc signed process",
			Severity:  core.SeverityMedium,
			Weight:    0.5,
			Timestamp: snap.TakenAt,
		})
	}
	return out, nil
}

// MasqueradeScanner flags processes whose name imitates a system binary
// while running from a non-system path.
type MasqueradeScanner struct{}

func (MasqueradeScanner) ID() string { return "proc-masquerade" }
func (MasqueradeScanner) Tier() Tier { return TierFast }

var systemNames = map[string]string{
	"launchd": "/sbin/launchd",
	"sshd":    "/usr/sbin/sshd",
	"cron":    "/usr/sbin/cron",
	"kernel":  "",
}

func (MasqueradeScanner) Run(_ context.Context, snap Snapshot) ([]core.ProcessAnomaly, error) {
	var out []core.ProcessAnomaly
	for _, p := range snap.Processes {
		canonical, ok := systemNames[strings.ToLower(p.Info.Name)]
		if !ok || canonical == "" || p.Info.Path == canonical {
			continue
		}
		out = append(out, core.ProcessAnomaly{
			ScannerID:   "proc-masquerade",
			Process:     p.Info,
			Title:       "System binary name from non-system path",
			Description: "expected " + canonical,
			Severity:    core.SeverityHigh,
			MitreID:     "T1036",
			Weight:      0.8,
			Timestamp:   snap.TakenAt,
		})
	}
	return out, nil
}

// TempExecScanner flags processes executing out of world-writable
// scratch directories.
type TempExecScanner struct{}

func (TempExecScanner) ID() string { return "proc-temp-exec" }
func (TempExecScanner) Tier() Tier { return TierMedium }

var scratchDirs = []string{"/tmp/", "/var/tmp/", "/dev/shm/"}

func (TempExecScanner) Run(_ context.Context, snap Snapshot) ([]core.ProcessAnomaly, error) {
	var out []core.ProcessAnomaly
	for _, p := range snap.Processes {
		for _, dir := range scratchDirs {
			if !strings.HasPrefix(p.Info.Path, dir) {
				continue
			}
			out = append(out, core.ProcessAnomaly{
				ScannerID: "proc-temp-exec",
				Process:   p.Info,
				Title:     "Executable running from " + filepath.Dir(p.Info.Path),
				Severity:  core.SeverityMedium,
				MitreID:   "T1204.002",
				Weight:    0.6,
				Timestamp: snap.TakenAt,
			})
			break
		}
	}
	return out, nil
}

// ListenerScanner flags processes holding listening sockets unless they are
// Apple-signed platform binaries; third-party-signed listeners are flagged too.
type ListenerScanner struct{}

func (ListenerScanner) ID() string { return "net-listener" }
func (ListenerScanner) Tier() Tier { return TierSlow }

func (ListenerScanner) Run(ctx context.Context, snap Snapshot) ([]core.ProcessAnomaly, error) {
	var out []core.ProcessAnomaly
	for _, p := range snap.Processes {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		if p.ListeningPort == 0 || p.Info.Signing == core.SignedApple {
			continue
		}
		out = append(out, core.ProcessAnomaly{
			ScannerID:   "net-listener",
			Process:     p.Info,
			Title:       "Non-platform process listening on a socket",
			Description: "port " + strconv.Itoa(p.ListeningPort),
			Severity:    core.SeverityMedium,
			MitreID:     "T1571",
			Weight:      0.55,
			Timestamp:   snap.TakenAt,
		})
	}
	return out, nil
}

// DefaultScanners is the compiled-in scanner set the supervisor registers.
func DefaultScanners() []Scanner {
	return []Scanner{
		UnsignedProcScanner{},
		MasqueradeScanner{},
		TempExecScanner{},
		ListenerScanner{},
	}
}
