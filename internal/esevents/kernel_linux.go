//go:build linux

package esevents

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/delfador0x42/iris/internal/core"
)

// kernelEvent mirrors the C struct the BPF security probes push through
// the ring buffer: u32 pid, u32 ppid, u32 kind, u32 len, u8 payload[256].
// payload carries the target path (or remote endpoint) NUL-terminated.
type kernelEvent struct {
	PID     uint32
	PPID    uint32
	Kind    uint32
	Len     uint32
	Payload [256]byte
}

const kernelEventHeader = 16

// kindTable maps the probe's numeric event kinds to the normalized set.
var kindTable = map[uint32]core.EventKind{
	1:  core.EvExec,
	2:  core.EvFork,
	3:  core.EvFileOpen,
	4:  core.EvFileWrite,
	5:  core.EvFileRename,
	6:  core.EvFileUnlink,
	7:  core.EvSetExtAttr,
	8:  core.EvSetUID,
	9:  core.EvSetGID,
	10: core.EvSudo,
	11: core.EvMmap,
	12: core.EvMprotect,
	13: core.EvGetTask,
	14: core.EvRemoteThreadCreate,
	15: core.EvTCCModify,
	16: core.EvBTMLaunchItemAdd,
	17: core.EvSSHLogin,
	18: core.EvXPCConnect,
	19: core.EvProcSuspendResume,
	20: core.EvKextLoad,
	21: core.EvPtrace,
	22: core.EvMount,
	23: core.EvAuthOpen,
	24: core.EvXProtectMalware,
}

// KernelTap consumes the BPF ring buffer of security events and feeds the
// normalizer. Without an attached map it runs in mock mode and reports so,
// which keeps development hosts without the probe usable.
type KernelTap struct {
	ring       *ringbuf.Reader
	normalizer *Normalizer
	logger     *log.Logger
}

// NewKernelTap opens the pinned events map. events may be nil (mock mode).
func NewKernelTap(events *ebpf.Map, normalizer *Normalizer) (*KernelTap, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("esevents: remove memlock: %w", err)
	}
	t := &KernelTap{
		normalizer: normalizer,
		logger:     log.New(log.Writer(), "[KERNELTAP] ", log.LstdFlags),
	}
	if events != nil {
		ring, err := ringbuf.NewReader(events)
		if err != nil {
			return nil, fmt.Errorf("esevents: open ring buffer: %w", err)
		}
		t.ring = ring
	}
	return t, nil
}

// Start launches the consumer loop. Returns immediately; the loop exits
// when the ring is closed.
func (t *KernelTap) Start() {
	if t.ring == nil {
		t.logger.Println("no BPF ring buffer attached (mock mode)")
		return
	}
	t.logger.Println("starting ring buffer consumer")
	go func() {
		for {
			record, err := t.ring.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					return
				}
				t.logger.Printf("ring read error: %v", err)
				continue
			}
			raw, ok := decodeKernelEvent(record.RawSample)
			if !ok {
				continue
			}
			t.normalizer.Normalize(raw)
		}
	}()
}

// Close stops the consumer.
func (t *KernelTap) Close() error {
	if t.ring == nil {
		return nil
	}
	return t.ring.Close()
}

func decodeKernelEvent(sample []byte) (RawEvent, bool) {
	if len(sample) < kernelEventHeader {
		return RawEvent{}, false
	}
	pid := binary.LittleEndian.Uint32(sample[0:4])
	ppid := binary.LittleEndian.Uint32(sample[4:8])
	kindNum := binary.LittleEndian.Uint32(sample[8:12])
	dataLen := binary.LittleEndian.Uint32(sample[12:16])

	kind, ok := kindTable[kindNum]
	if !ok {
		return RawEvent{}, false
	}

	payload := sample[kernelEventHeader:]
	if int(dataLen) < len(payload) {
		payload = payload[:dataLen]
	}
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}

	return RawEvent{
		Kind:       kind,
		PID:        int(pid),
		ParentPID:  int(ppid),
		TargetPath: string(payload),
		Timestamp:  time.Now(),
	}, true
}
